package ot

// Transform rebases action against every action in context, in order, and
// returns the adjusted copy with IsTransformed set. The context is the
// contiguous run of committed actions between the client's base version and
// the version being committed. The input action is never mutated, so a
// failed commit can re-transform the original against a fresh context.
func Transform(action ActionInfo, context []ActionInfo) ActionInfo {
	out := action.Clone()
	for _, prior := range context {
		for _, against := range prior.Operations {
			for i := range out.Operations {
				out.Operations[i] = transformAgainst(out.Operations[i], against)
			}
		}
	}
	out.IsTransformed = true
	return out
}

// transformAgainst adjusts op to account for an earlier operation `against`
// already being part of the document.
func transformAgainst(op Operation, against Operation) Operation {
	switch against.Type {
	case OpInsert:
		shift := len(against.Text)
		if against.Position <= op.Position {
			op.Position += shift
		} else if op.Type != OpInsert && against.Position < op.Position+op.Length {
			// Insert landed inside the span: the span grows around it.
			op.Length += shift
		}
	case OpDelete:
		start := against.Position
		end := against.Position + against.Length
		if op.Type == OpInsert {
			if end <= op.Position {
				op.Position -= against.Length
			} else if start < op.Position {
				// Insert point was deleted; collapse onto the deletion start.
				op.Position = start
			}
			return op
		}
		opEnd := op.Position + op.Length
		switch {
		case end <= op.Position:
			op.Position -= against.Length
		case start >= opEnd:
			// No overlap.
		default:
			overlap := minInt(opEnd, end) - maxInt(op.Position, start)
			op.Length -= overlap
			if op.Length < 0 {
				op.Length = 0
			}
			if start < op.Position {
				op.Position = start
			}
		}
	case OpFormat:
		// Formatting never moves text.
	}
	return op
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
