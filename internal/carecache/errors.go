package carecache

import "errors"

var (
	// ErrNoResponse means neither the network nor the cache could answer.
	ErrNoResponse = errors.New("carecache: no response")

	// ErrInstallFailed wraps every manifest asset that could not be cached.
	ErrInstallFailed = errors.New("carecache: install failed")

	// ErrNotInstalled is returned by Activate when the current generation has
	// not completed an install.
	ErrNotInstalled = errors.New("carecache: generation not installed")

	ErrUnknownQueue = errors.New("carecache: unknown queue kind")
	ErrUnknownEvent = errors.New("carecache: unknown event kind")
	ErrStoreClosed  = errors.New("carecache: store closed")

	errRelativeWithoutOrigin = errors.New("relative url without origin")
)
