package linearizability

import "github.com/ReshiAdavan/raftcoordinator/internal/kvdemo"

// KVInput is one kvdemo.Client call's recorded input.
type KVInput struct {
	Op    uint8 // 0 => get, 1 => put, 2 => append
	Key   string
	Value string
}

const (
	OpGet uint8 = iota
	OpPut
	OpAppend
)

// KVOutput is one kvdemo.Client call's recorded output; only Get
// responses carry a meaningful Value.
type KVOutput struct {
	Value string
}

// KVModel checks a history of kvdemo Get/Put/Append calls, partitioned
// by key so unrelated keys never interact in the search.
func KVModel() Model {
	return Model{
		Partition: func(history []Operation) [][]Operation {
			byKey := make(map[string][]Operation)
			for _, op := range history {
				key := op.Input.(KVInput).Key
				byKey[key] = append(byKey[key], op)
			}
			partitions := make([][]Operation, 0, len(byKey))
			for _, ops := range byKey {
				partitions = append(partitions, ops)
			}
			return partitions
		},
		Init: func() interface{} {
			return ""
		},
		Step: func(state, input, output interface{}) (bool, interface{}) {
			in := input.(KVInput)
			out := output.(KVOutput)
			st := state.(string)
			switch in.Op {
			case OpGet:
				return out.Value == st, state
			case OpPut:
				return true, in.Value
			case OpAppend:
				return true, st + in.Value
			default:
				return false, state
			}
		},
		Equal: ShallowEqual,
	}
}

// RecordedOp pairs a kvdemo.Op with its Result and the wall-clock span
// the call occupied, as produced by a Recorder.
type RecordedOp struct {
	Op     kvdemo.Op
	Result kvdemo.Result
	Call   int64
	Return int64
}

// ToOperations converts recorded kvdemo calls into the Operation slice
// CheckOperations expects.
func ToOperations(recorded []RecordedOp) []Operation {
	ops := make([]Operation, 0, len(recorded))
	for _, r := range recorded {
		var opCode uint8
		switch r.Op.Command {
		case "get":
			opCode = OpGet
		case "put":
			opCode = OpPut
		case "append":
			opCode = OpAppend
		}
		ops = append(ops, Operation{
			Input:  KVInput{Op: opCode, Key: r.Op.Key, Value: r.Op.Value},
			Call:   r.Call,
			Output: KVOutput{Value: r.Result.Value},
			Return: r.Return,
		})
	}
	return ops
}
