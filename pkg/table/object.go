package table

// ObjectKind is the kind of an ancillary (non-table) object.
type ObjectKind string

const (
	Procedure ObjectKind = "PROCEDURE"
	Function  ObjectKind = "FUNCTION"
	View      ObjectKind = "VIEW"
	Trigger   ObjectKind = "TRIGGER"
)

// ApplyOrder is the order ancillary objects are created in.
// Views can call functions, and triggers can reference anything,
// so triggers go last.
var ApplyOrder = []ObjectKind{Procedure, Function, View, Trigger}

// Object is a view, stored routine or trigger scoped to one database.
type Object struct {
	Kind            ObjectKind
	Name            string
	CreateStatement string
}

func (o Object) String() string {
	return string(o.Kind) + " " + o.Name
}
