package reconcile

import (
	"fmt"
	"math/rand"
	"time"

	"perp-mm/pkg/types"
)

// GenerateClientOrderID builds a purely-numeric client order id: "1" for
// buy or "2" for sell, concatenated with zero-padded ms-since-epoch,
// concatenated with a 4-digit zero-padded random suffix (§4.3). The
// millisecond field is padded to a fixed 15 digits so the id is both a
// stable fixed length and, per §8, never shorter than 20 digits.
func GenerateClientOrderID(side types.Side, now time.Time, rnd *rand.Rand) string {
	prefix := "1"
	if side == types.Sell {
		prefix = "2"
	}
	ms := now.UnixMilli()
	suffix := rnd.Intn(10000)
	return fmt.Sprintf("%s%015d%04d", prefix, ms, suffix)
}
