package apply

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// CommandBatch is the unit of consensus-log payload: one id, one or more
// commands, applied atomically. encode(batch) is the exact byte string
// replicated to every node.
type CommandBatch struct {
	ID       uint64
	Commands []Command
}

func NewCommandBatch(id uint64, cmds ...Command) *CommandBatch {
	return &CommandBatch{ID: id, Commands: cmds}
}

func (b *CommandBatch) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch-%d{", b.ID)
	for i, cmd := range b.Commands {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(cmd.String())
	}
	sb.WriteString("}")
	return sb.String()
}

func (b *CommandBatch) WriteTo(w io.Writer) (err error) {
	if err = binary.Write(w, binary.BigEndian, b.ID); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, uint16(len(b.Commands))); err != nil {
		return
	}
	for _, cmd := range b.Commands {
		if err = cmd.WriteTo(w); err != nil {
			return
		}
	}
	return
}

func (b *CommandBatch) ReadFrom(r io.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &b.ID); err != nil {
		return
	}
	var cnt uint16
	if err = binary.Read(r, binary.BigEndian, &cnt); err != nil {
		return
	}
	b.Commands = make([]Command, cnt)
	for i := uint16(0); i < cnt; i++ {
		if b.Commands[i], err = ReadCommand(r); err != nil {
			return
		}
	}
	return
}

func (b *CommandBatch) Marshal() (buf []byte, err error) {
	var bbuf bytes.Buffer
	if err = b.WriteTo(&bbuf); err != nil {
		return
	}
	buf = bbuf.Bytes()
	return
}

func (b *CommandBatch) Unmarshal(buf []byte) error {
	bbuf := bytes.NewBuffer(buf)
	return b.ReadFrom(bbuf)
}
