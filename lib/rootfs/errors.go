package rootfs

import "errors"

var (
	// ErrCapacityExceeded is returned when the composed tree does not fit
	// the declared image capacity
	ErrCapacityExceeded = errors.New("content exceeds image capacity")

	// ErrFormat is returned when formatting the backing file fails
	ErrFormat = errors.New("filesystem format failed")

	// ErrPopulation is returned when mounting or copying into the backing
	// file fails
	ErrPopulation = errors.New("image population failed")

	// ErrInitMissing is returned when the composed tree lacks the init
	// entry point
	ErrInitMissing = errors.New("init entry point missing from tree")

	// ErrPayloadMissing is returned when the composed tree lacks the
	// payload at its fixed path
	ErrPayloadMissing = errors.New("payload missing from tree")
)
