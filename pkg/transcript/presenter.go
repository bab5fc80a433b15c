// Package transcript keeps the append-only record of a chat room and hands
// updates to whatever displays it.
package transcript

// Presenter receives display updates. Implementations must not block for long;
// they are called from the goroutine that produced the update.
type Presenter interface {
	// OnRosterChanged replaces the displayed participant list.
	OnRosterChanged(names []string)
	// OnLineAppended appends one already-decrypted line to the displayed log.
	OnLineAppended(line string)
}

// NopPresenter discards every update.
type NopPresenter struct{}

func (NopPresenter) OnRosterChanged([]string) {}
func (NopPresenter) OnLineAppended(string)    {}
