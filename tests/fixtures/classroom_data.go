package fixtures

import "fmt"

// RosterEntry is one student identity for a scenario.
type RosterEntry struct {
	ID   string
	Name string
}

// Roster generates n student identities with stable IDs.
func Roster(n int) []RosterEntry {
	names := []string{"Ada", "Grace", "Edsger", "Barbara", "Donald", "Leslie", "Tony", "Ken"}
	roster := make([]RosterEntry, n)
	for i := range roster {
		roster[i] = RosterEntry{
			ID:   fmt.Sprintf("S%02d", i+1),
			Name: names[i%len(names)],
		}
	}
	return roster
}

// Worksheet builds deterministic file content of the given size, so
// scenarios can verify transfers byte for byte.
func Worksheet(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}
