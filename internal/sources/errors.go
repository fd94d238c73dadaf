package sources

import "errors"

var (
	errNoBatch  = errors.New("adapter does not support batch fetches")
	errNoPairs  = errors.New("adapter does not support pair enumeration")
	errNoStream = errors.New("adapter does not support streaming")
)
