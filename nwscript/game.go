package nwscript

type (
	// GameID selects the engine-call semantics the stack analyzer applies.
	GameID int

	// ActionSignature describes one engine call in stack cells: parameter
	// cell types in push order and result cell types, empty for void. A
	// vector is three float cells.
	ActionSignature struct {
		Params []VarType
		Return []VarType
	}

	// ActionTable resolves engine-call signatures for one game. Tables are
	// supplied from the outside; the analyzer itself is game-agnostic.
	ActionTable interface {
		Action(id int) (ActionSignature, bool)
	}
)

const (
	GameNone GameID = iota
	GameNWN
	GameNWN2
	GameKotOR
	GameKotOR2
	GameJade
	GameWitcher
)

func (g GameID) String() string {
	switch g {
	case GameNWN:
		return "nwn"
	case GameNWN2:
		return "nwn2"
	case GameKotOR:
		return "kotor"
	case GameKotOR2:
		return "kotor2"
	case GameJade:
		return "jade"
	case GameWitcher:
		return "witcher"
	}

	return "none"
}

// ParseGame is the inverse of GameID.String.
func ParseGame(s string) (GameID, bool) {
	for g := GameNone; g <= GameWitcher; g++ {
		if g.String() == s {
			return g, true
		}
	}

	return GameNone, false
}

var actionTables = map[GameID]ActionTable{}

// RegisterActions installs an engine-call signature table for a game.
// Without one, the analyzer falls back to the argument count encoded in
// each ACTION instruction and leaves result types unresolved.
func RegisterActions(game GameID, table ActionTable) {
	actionTables[game] = table
}

func actionsFor(game GameID) ActionTable {
	return actionTables[game]
}
