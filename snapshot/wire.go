package snapshot

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/pingcap/errors"
)

// cborEncMode is canonical so equal snapshots encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes a Snapshot to CBOR bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	data, err := cborEncMode.Marshal(s)
	return data, errors.Trace(err)
}

// Unmarshal deserializes a Snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, errors.Annotate(err, "snapshot: unmarshal")
	}
	if s.Version != FormatVersion {
		return nil, errors.Errorf("snapshot: unsupported format version %d", s.Version)
	}
	return &s, nil
}

// WriteFile encodes s to path.
func WriteFile(path string, s *Snapshot) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Annotatef(err, "snapshot: write %s", path)
	}
	return nil
}

// ReadFile decodes the snapshot stored at path.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "snapshot: read %s", path)
	}
	s, err := Unmarshal(data)
	if err != nil {
		return nil, errors.Annotatef(err, "snapshot: decode %s", path)
	}
	return s, nil
}
