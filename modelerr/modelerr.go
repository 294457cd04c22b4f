// Package modelerr defines the error taxonomy shared by the graph,
// dependency, and rewrite packages.
//
// Every semantic-layer failure is a variant of a single sum type, Error,
// discriminated by Kind. Callers that only care whether an operation failed
// can treat Error as a plain error; callers that need to branch on the
// failure mode can type-assert to *Error and inspect Kind.
package modelerr

import "fmt"

// Kind discriminates the error variants.
type Kind int

const (
	// ModelNotFound is raised when a reference names a model absent from the graph.
	ModelNotFound Kind = iota
	// DimensionNotFound is raised when a reference names a dimension absent from its model.
	DimensionNotFound
	// MetricNotFound is raised when a reference names a metric absent from its model.
	MetricNotFound
	// NoJoinPath is raised when an auto-join target is unreachable from the base model.
	NoJoinPath
	// SqlParse is raised on parser or unparser failure.
	SqlParse
	// InvalidReference is raised when a `model.field` reference is malformed.
	InvalidReference
	// Validation is raised for all other semantic validation failures.
	Validation
)

func (k Kind) String() string {
	switch k {
	case ModelNotFound:
		return "ModelNotFound"
	case DimensionNotFound:
		return "DimensionNotFound"
	case MetricNotFound:
		return "MetricNotFound"
	case NoJoinPath:
		return "NoJoinPath"
	case SqlParse:
		return "SqlParse"
	case InvalidReference:
		return "InvalidReference"
	case Validation:
		return "Validation"
	default:
		return "Unknown"
	}
}

// Error is the single error type raised by the semantic layer.
type Error struct {
	Kind Kind
	// Model, Name, From, To are populated depending on Kind; unused fields
	// are left zero.
	Model string
	Name  string
	From  string
	To    string
	Msg   string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ModelNotFound:
		return fmt.Sprintf("Model not found: %s", e.Model)
	case DimensionNotFound:
		return fmt.Sprintf("Dimension not found: %s on model %s", e.Name, e.Model)
	case MetricNotFound:
		return fmt.Sprintf("Metric not found: %s on model %s", e.Name, e.Model)
	case NoJoinPath:
		return fmt.Sprintf("No join path found between %s and %s", e.From, e.To)
	case SqlParse:
		return fmt.Sprintf("SQL parse error: %s", e.Msg)
	case InvalidReference:
		return fmt.Sprintf("Invalid reference: %s", e.Msg)
	case Validation:
		return fmt.Sprintf("Validation error: %s", e.Msg)
	default:
		return e.Msg
	}
}

// NewModelNotFound builds a ModelNotFound error.
func NewModelNotFound(model string) *Error {
	return &Error{Kind: ModelNotFound, Model: model}
}

// NewDimensionNotFound builds a DimensionNotFound error.
func NewDimensionNotFound(model, name string) *Error {
	return &Error{Kind: DimensionNotFound, Model: model, Name: name}
}

// NewMetricNotFound builds a MetricNotFound error.
func NewMetricNotFound(model, name string) *Error {
	return &Error{Kind: MetricNotFound, Model: model, Name: name}
}

// NewNoJoinPath builds a NoJoinPath error.
func NewNoJoinPath(from, to string) *Error {
	return &Error{Kind: NoJoinPath, From: from, To: to}
}

// NewSqlParse builds a SqlParse error.
func NewSqlParse(msg string) *Error {
	return &Error{Kind: SqlParse, Msg: msg}
}

// NewInvalidReference builds an InvalidReference error.
func NewInvalidReference(msg string) *Error {
	return &Error{Kind: InvalidReference, Msg: msg}
}

// NewValidation builds a Validation error.
func NewValidation(msg string) *Error {
	return &Error{Kind: Validation, Msg: msg}
}

// As reports whether err (or something it wraps) is an *Error and, if so,
// returns it. It follows the Cause() chain that github.com/pkg/errors
// wrappers expose; errors wrapped only through Unwrap (fmt.Errorf with %w)
// are not looked through.
func As(err error) (*Error, bool) {
	type causer interface{ Cause() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		c, ok := err.(causer)
		if !ok {
			return nil, false
		}
		err = c.Cause()
	}
	return nil, false
}
