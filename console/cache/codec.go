package cache

import (
	"github.com/fxamacker/cbor/v2"
)

// Deterministic encoding: the same snapshot always produces the same bytes.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	// Server timestamps carry sub-second precision.
	opts.Time = cbor.TimeRFC3339Nano
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

func cborMarshal(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func cborUnmarshal(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}
