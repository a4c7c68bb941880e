// Package padding normalizes message sizes and publish timing inside an
// anonymity set.
package padding

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/zlnvch/veiltrade/models"
)

// Field is the JSON field that carries the filler.
const Field = "padding"

// Pad serializes message, which must encode to a JSON object, and fills the
// padding field so the result is exactly targetSize bytes long. Messages
// already larger than targetSize get an empty filler. All messages of one
// batch must share the same targetSize.
func Pad(message any, targetSize int) (string, error) {
	obj, err := toObject(message)
	if err != nil {
		return "", err
	}

	obj[Field] = json.RawMessage(`""`)
	natural, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}

	deficit := max(0, targetSize-len(natural))
	filler, err := json.Marshal(strings.Repeat("x", deficit))
	if err != nil {
		return "", err
	}
	obj[Field] = filler

	out, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// TargetSize returns the largest unpadded size in a batch.
func TargetSize(messages ...any) (int, error) {
	size := 0
	for _, m := range messages {
		s, err := Pad(m, 0)
		if err != nil {
			return 0, err
		}
		size = max(size, len(s))
	}
	return size, nil
}

// Strip removes the filler from a padded message.
func Strip(padded string, out any) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(padded), &obj); err != nil {
		return err
	}
	delete(obj, Field)
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// RandomDelay draws uniformly from [0, maxSeconds] at millisecond resolution.
func RandomDelay(maxSeconds float64) time.Duration {
	maxMs := int64(maxSeconds * 1000)
	if maxMs <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(maxMs+1)) * time.Millisecond
}

func toObject(message any) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: padded message must be a JSON object", models.ErrValidation)
	}
	return obj, nil
}
