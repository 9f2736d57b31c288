package status

import (
	"errors"
	"fmt"
	"os"
	"time"

	"loom/pkg/fsutil"
	"loom/pkg/protocol"
)

// Read loads the snapshot at path. A missing file returns an error wrapping
// protocol.ErrNoSnapshot; callers show "daemon not running" rather than fail.
func Read(path string) (*protocol.StatusSnapshot, error) {
	var snap protocol.StatusSnapshot
	if err := fsutil.ReadJSON(path, &snap); err != nil {
		if fsutil.IsNotExist(err) {
			return nil, fmt.Errorf("read status %s: %w", path, protocol.ErrNoSnapshot)
		}
		return nil, err
	}
	return &snap, nil
}

// Write replaces the snapshot at path atomically.
func Write(path string, snap *protocol.StatusSnapshot) error {
	return fsutil.WriteJSONAtomic(path, snap)
}

// ReadCheckpoint returns the last checkpoint, or nil when none was recorded.
func ReadCheckpoint(path string) (*protocol.Checkpoint, error) {
	var cp protocol.Checkpoint
	if err := fsutil.ReadJSON(path, &cp); err != nil {
		if fsutil.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

// WriteCheckpoint records a checkpoint at the given instant.
func WriteCheckpoint(path string, at time.Time, source, note string) (*protocol.Checkpoint, error) {
	cp := &protocol.Checkpoint{At: at.UTC(), Source: source, Note: note}
	if err := fsutil.WriteJSONAtomic(path, cp); err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	return cp, nil
}

// ReadPin returns the recorded pin, or nil when none exists. Expired pins are
// returned as-is; use Pin.Live to decide.
func ReadPin(path string) (*protocol.Pin, error) {
	var pin protocol.Pin
	if err := fsutil.ReadJSON(path, &pin); err != nil {
		if fsutil.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &pin, nil
}

// WritePin records a classifier override request.
func WritePin(path string, pin protocol.Pin) error {
	if pin.ContextID == "" {
		return errors.New("write pin: context id is required")
	}
	pin.Until = pin.Until.UTC()
	if err := fsutil.WriteJSONAtomic(path, pin); err != nil {
		return fmt.Errorf("write pin: %w", err)
	}
	return nil
}

// ClearPin removes any pin. Clearing with no pin is not an error.
func ClearPin(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear pin: %w", err)
	}
	return nil
}
