package memory

import "github.com/haxcore/hax-core-go/internal/herr"

var (
	errOutOfRange  = herr.ErrInvalid
	errOverlap     = herr.ErrInvalid
	errNoMem       = herr.ErrNoMem
	errReadOnly    = herr.ErrAccess
	errMMIO        = herr.ErrInvalid
	errProtected   = herr.ErrFault
)
