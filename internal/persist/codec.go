package persist

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/dokzlo13/dimmerd/internal/dimmer"
)

// SchemaVersion is the envelope version written by this build.
const SchemaVersion = 1

// envelope is the on-disk shape of the registry blob.
type envelope struct {
	Version int                          `cbor:"version"`
	Entries map[string]dimmer.CycleEntry `cbor:"entries"`
}

// Core deterministic encoding: sorted keys, so equal registries produce
// equal bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("persist: CBOR encoder initialization failed: " + err.Error())
	}
}

func encode(entries map[string]dimmer.CycleEntry) ([]byte, error) {
	if entries == nil {
		entries = map[string]dimmer.CycleEntry{}
	}
	return encMode.Marshal(envelope{Version: SchemaVersion, Entries: entries})
}

func decode(payload []byte) (envelope, error) {
	var env envelope
	err := cbor.Unmarshal(payload, &env)
	return env, err
}
