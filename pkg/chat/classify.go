package chat

import "strings"

type Kind int

const (
	Broadcast Kind = iota
	Personal
	BasicGroup
	Supergroup
)

var kindNames = map[Kind]string{
	Broadcast:  "broadcast",
	Personal:   "personal",
	BasicGroup: "basic_group",
	Supergroup: "supergroup",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "broadcast"
}

func (k Kind) IsGroup() bool {
	return k == BasicGroup || k == Supergroup
}

// IsScannable is the single policy point that keeps broadcast channels out
// of every sweep.
func (k Kind) IsScannable() bool {
	return k == Personal || k.IsGroup()
}

// Descriptor is the raw shape of a remote chat as reported by a gateway.
type Descriptor struct {
	Type      string
	Broadcast bool
}

// Classify maps a descriptor to its Kind. Unknown shapes classify as
// Broadcast so nothing ever mutates them.
func Classify(d Descriptor) Kind {
	if d.Broadcast {
		return Broadcast
	}
	switch strings.ToLower(strings.TrimSpace(d.Type)) {
	case "private", "user":
		return Personal
	case "group", "chat":
		return BasicGroup
	case "supergroup", "megagroup":
		return Supergroup
	default:
		return Broadcast
	}
}
