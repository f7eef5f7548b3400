package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/polisai/directived/pkg/domain"
)

// envelope is the L2 wire format. Expiry is absolute so a value read back
// from L2 populates L1 with its remaining lifetime, not a fresh one.
type envelope struct {
	Value   json.RawMessage `json:"v"`
	Expires int64           `json:"exp,omitempty"` // unix nanoseconds
}

func encodeEnvelope(v domain.Value, expires time.Time) ([]byte, error) {
	raw, err := domain.EncodeValue(v)
	if err != nil {
		return nil, err
	}
	env := envelope{Value: raw}
	if !expires.IsZero() {
		env.Expires = expires.UnixNano()
	}
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (domain.Value, time.Time, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Value{}, time.Time{}, fmt.Errorf("decode cache envelope: %w", err)
	}
	v, err := domain.DecodeValue(env.Value)
	if err != nil {
		return domain.Value{}, time.Time{}, err
	}
	var expires time.Time
	if env.Expires != 0 {
		expires = time.Unix(0, env.Expires)
	}
	return v, expires, nil
}
