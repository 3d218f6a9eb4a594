package byond

import "fmt"

// Debug opcodes the compiler emits at the start of a proc built with
// debug information: DBG FILE <string id>, DBG LINE <line>.
const (
	opDbgFile = 0x84
	opDbgLine = 0x85
)

// Unknown names a source file whose string could not be resolved.
const Unknown = "<unknown>"

// Source is where a proc is defined.
type Source struct {
	File string
	Line uint32
}

// SourceLocation reads the leading debug opcodes of the proc's bytecode.
// Only the first four words are looked at. A file id that does not resolve
// is reported as Unknown and the line is still read.
func (r *Reflection) SourceLocation(p ProcDefinition) (Source, error) {
	misc, err := r.Misc(p.Bytecode)
	if err != nil {
		return Source{}, err
	}
	words, err := misc.Bytecode.Words(r.m, 4)
	if err != nil {
		return Source{}, err
	}
	var src Source
	if len(words) >= 2 && words[0] == opDbgFile {
		if src.File, err = r.Text(words[1]); err != nil {
			src.File = Unknown
		}
		words = words[2:]
	}
	if len(words) >= 2 && words[0] == opDbgLine {
		src.Line = words[1]
	}
	if src.File == "" && src.Line == 0 {
		return Source{}, notFound("bytecode", p.Bytecode)
	}
	return src, nil
}

func (s Source) String() string {
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}
