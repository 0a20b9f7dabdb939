package zfsro

import "golang.org/x/xerrors"

// Sentinel errors every layer wraps with xerrors.Errorf("...: %w", err) so
// callers can match with errors.Is regardless of which layer raised them.
var (
	ErrNotFound      = xerrors.New("zfsro: not found")
	ErrUnsupported   = xerrors.New("zfsro: unsupported on-disk feature")
	ErrChecksum      = xerrors.New("zfsro: checksum mismatch")
	ErrInvalidFormat = xerrors.New("zfsro: invalid on-disk format")
	ErrIO            = xerrors.New("zfsro: device read failed")
	ErrMissingDevice = xerrors.New("zfsro: too many missing devices")
)
