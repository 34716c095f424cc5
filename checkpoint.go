package ae

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

//////
// Checkpointing.
//////

// WriteCheckpoint serializes the complete record sequence and overwrites the
// file at path. The format is opaque beyond round-tripping through
// ReadCheckpoint; a write failure is fatal to the loop.
func WriteCheckpoint(path string, records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointWrite, errors.Wrap(err, "marshaling dataset"))
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointWrite, errors.Wrapf(err, "writing %s", path))
	}

	return nil
}

// ReadCheckpoint loads a record sequence previously written by
// WriteCheckpoint, preserving order.
func ReadCheckpoint(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint %s", path)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint %s", path)
	}

	return records, nil
}
