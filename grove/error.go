package grove

import (
	"fmt"

	"github.com/grovekv/grovekv/lib"
)

// ErrMaxReferenceHops() signals a reference chain longer than its hop bound
func ErrMaxReferenceHops(bound uint8) lib.ErrorI {
	return lib.NewError(lib.CodeMaxReferenceHops, lib.QueryModule,
		fmt.Sprintf("reference chain exceeds the %d hop bound", bound))
}

// ErrInvalidElementType() signals an element of the wrong kind for an operation
func ErrInvalidElementType(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidElementType, lib.QueryModule, msg)
}

// ErrInvalidQuery() signals a path query the grove cannot serve
func ErrInvalidQuery(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidQuery, lib.QueryModule, msg)
}
