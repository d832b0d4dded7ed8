package domain

// Saver is a stateful component that a failed command rolls back.
type Saver interface {
	// Save captures the current state and returns a func that puts it back.
	Save() (restore func())
}

// Savepoint saves every component. The returned func restores all of them,
// undoing nested calls made by collaborator callbacks as well.
func Savepoint(savers ...Saver) (restore func()) {
	restores := make([]func(), len(savers))
	for i, s := range savers {
		restores[i] = s.Save()
	}
	return func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}
}
