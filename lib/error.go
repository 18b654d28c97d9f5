package lib

import (
	"fmt"
	"math"
)

// ErrorI is the error contract every package in the engine returns.
// A flat code + module pair keeps errors machine-readable for the
// consensus layer that charges clients by outcome.
type ErrorI interface {
	Code() ErrorCode     // Returns the error code
	Module() ErrorModule // Returns the error module
	error                // Implements the built-in error interface
}

var _ ErrorI = &Error{} // Ensures *Error implements ErrorI

type ErrorCode uint32 // Defines a type for error codes

type ErrorModule string // Defines a type for error modules

type Error struct {
	ECode   ErrorCode   `json:"code"`   // Error code
	EModule ErrorModule `json:"module"` // Error module
	Msg     string      `json:"msg"`    // Error message
}

// NewError() constructs a new Error instance
func NewError(code ErrorCode, module ErrorModule, msg string) *Error {
	return &Error{ECode: code, EModule: module, Msg: msg}
}

// Code() returns the associated error code
func (p *Error) Code() ErrorCode { return p.ECode }

// Module() returns module field
func (p *Error) Module() ErrorModule { return p.EModule }

// String() calls Error()
func (p *Error) String() string { return p.Error() }

// Error() returns a formatted string including module, code and message
func (p *Error) Error() string {
	return fmt.Sprintf("\nModule:  %s\nCode:    %d\nMessage: %s", p.EModule, p.ECode, p.Msg)
}

const (
	NoCode ErrorCode = math.MaxUint32

	// Storage Module
	StorageModule ErrorModule = "storage"

	// Storage Module Error Codes
	CodeOpenDB              ErrorCode = 1
	CodeCloseDB             ErrorCode = 2
	CodeCommitDB            ErrorCode = 3
	CodeStoreSet            ErrorCode = 4
	CodeStoreGet            ErrorCode = 5
	CodeStoreDelete         ErrorCode = 6
	CodeFlushBatch          ErrorCode = 7
	CodeStorageCostMismatch ErrorCode = 8
	CodeInvalidKey          ErrorCode = 9

	// Tree Module (merk)
	TreeModule ErrorModule = "tree"

	// Tree Module Error Codes
	CodeCorruptedData     ErrorCode = 1
	CodeInvalidBatch      ErrorCode = 2
	CodeKeyNotFound       ErrorCode = 3
	CodeInvalidInput      ErrorCode = 4
	CodeMerkInvariant     ErrorCode = 5
	CodeKeyTooLarge       ErrorCode = 6
	CodeCyclicReference   ErrorCode = 7
	CodeVersionMismatch   ErrorCode = 8
	CodeBidirectionalRule ErrorCode = 9

	// Proof Module
	ProofModule ErrorModule = "proof"

	// Proof Module Error Codes
	CodeInvalidProof            ErrorCode = 1
	CodeBadTraversalInstruction ErrorCode = 2
	CodeChunkOutOfBounds        ErrorCode = 3
	CodeChunkInternal           ErrorCode = 4
	CodeProofTooLarge           ErrorCode = 5

	// Query Module
	QueryModule ErrorModule = "query"

	// Query Module Error Codes
	CodeUnboundedRange     ErrorCode = 1
	CodeTooManyBranches    ErrorCode = 2
	CodeSubqueryTooDeep    ErrorCode = 3
	CodeInvalidQuery       ErrorCode = 4
	CodePathKeyNotFound    ErrorCode = 5
	CodeCorruptedRefPath   ErrorCode = 6
	CodeMaxReferenceHops   ErrorCode = 7
	CodeInvalidElementType ErrorCode = 8

	// MMR Module
	MMRModule ErrorModule = "mmr"

	// MMR Module Error Codes
	CodeMMRInvalidInput  ErrorCode = 1
	CodeMMRInvalidProof  ErrorCode = 2
	CodeMMRCorruptedData ErrorCode = 3
	CodeMMRStorage       ErrorCode = 4

	// Dense Tree Module
	DenseModule ErrorModule = "dense"

	// Dense Tree Module Error Codes
	CodeDenseInvalidInput  ErrorCode = 1
	CodeDenseInvalidProof  ErrorCode = 2
	CodeDenseCorruptedData ErrorCode = 3
	CodeDenseFull          ErrorCode = 4

	// Bulk Append Module
	BulkModule ErrorModule = "bulk"

	// Bulk Append Module Error Codes
	CodeBulkInvalidInput  ErrorCode = 1
	CodeBulkInvalidProof  ErrorCode = 2
	CodeBulkCorruptedData ErrorCode = 3
	CodeBulkMMR           ErrorCode = 4
	CodeBulkStorage       ErrorCode = 5

	// Commitment Tree Module
	CommitmentModule ErrorModule = "commitment"

	// Commitment Tree Module Error Codes
	CodeShardStore            ErrorCode = 1
	CodeCheckpointMissing     ErrorCode = 2
	CodePositionMissing       ErrorCode = 3
	CodeTreeFull              ErrorCode = 4
	CodeCommitmentInvalidData ErrorCode = 5
)

// ErrStorageCostMismatch() signals that a caller-supplied storage cost did not
// match the bytes the engine actually wrote
func ErrStorageCostMismatch(expected, actualTotal uint32) ErrorI {
	return NewError(CodeStorageCostMismatch, StorageModule,
		fmt.Sprintf("storage cost mismatch: expected added bytes %d, actual total bytes %d", expected, actualTotal))
}

// ErrCorruptedData() signals a deserialization failure or a missing node
func ErrCorruptedData(msg string) ErrorI {
	return NewError(CodeCorruptedData, TreeModule, msg)
}

// ErrPathKeyNotFound() signals a lookup failure at a path
func ErrPathKeyNotFound(msg string) ErrorI {
	return NewError(CodePathKeyNotFound, QueryModule, msg)
}

// ErrCorruptedReferencePathKeyNotFound() signals a dangling reference target
func ErrCorruptedReferencePathKeyNotFound(msg string) ErrorI {
	return NewError(CodeCorruptedRefPath, QueryModule, msg)
}

// ErrInvalidProof() signals the proof executor detected an ordering, stack or AVL violation
func ErrInvalidProof(msg string) ErrorI {
	return NewError(CodeInvalidProof, ProofModule, msg)
}

// ErrInvalidInput() signals caller-supplied garbage
func ErrInvalidInput(msg string) ErrorI {
	return NewError(CodeInvalidInput, TreeModule, msg)
}

// ErrBadTraversalInstruction() signals a traversal bit string that does not address a chunk
func ErrBadTraversalInstruction(msg string) ErrorI {
	return NewError(CodeBadTraversalInstruction, ProofModule, msg)
}

// ErrKeyNotFound() signals a lookup for a key the tree does not hold
func ErrKeyNotFound(msg string) ErrorI {
	return NewError(CodeKeyNotFound, TreeModule, msg)
}

// ErrMerk() signals an underlying tree invariant broke
func ErrMerk(msg string) ErrorI {
	return NewError(CodeMerkInvariant, TreeModule, msg)
}

// ErrChunkOutOfBounds() signals a chunk id beyond the layer plan
func ErrChunkOutOfBounds(msg string) ErrorI {
	return NewError(CodeChunkOutOfBounds, ProofModule, msg)
}

// ErrVersionMismatch() signals a method was called with an unknown version
func ErrVersionMismatch(method string, known, received uint32) ErrorI {
	return NewError(CodeVersionMismatch, TreeModule,
		fmt.Sprintf("%s: unknown version %d, known versions up to %d", method, received, known))
}

// ErrBidirectionalReferenceRule() signals a break of the at-most-one-backref rule
func ErrBidirectionalReferenceRule(msg string) ErrorI {
	return NewError(CodeBidirectionalRule, TreeModule, msg)
}
