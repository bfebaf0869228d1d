package wire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// Marshal encodes d as a portable binary archive using MessagePack
// primitives (spec §6: "serialized via a portable binary archive").
//
// Rather than running msgp's code generator over these types, the
// writer/reader primitives (msgp.Writer/msgp.Reader) are driven
// directly field by field; this keeps the encoding entirely
// self-describing (array headers at every level) so a future reader
// can skip unknown trailing fields, matching the forward-compatibility
// requirement in spec §6 ("consumers must tolerate trailing bytes").
func Marshal(d *StDescriptor) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := writeStDescriptor(w, d); err != nil {
		return nil, errors.Wrap(err, "wire: marshal StDescriptor")
	}
	if err := w.Flush(); err != nil {
		return nil, errors.Wrap(err, "wire: flush StDescriptor")
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a StDescriptor previously produced by Marshal.
// Trailing bytes beyond the encoded fields are ignored, per spec §6.
func Unmarshal(data []byte, d *StDescriptor) error {
	r := msgp.NewReader(bytes.NewReader(data))
	return errors.Wrap(readStDescriptor(r, d), "wire: unmarshal StDescriptor")
}

func writeDataDescriptor(w *msgp.Writer, d DataDescriptor) error {
	if err := w.WriteArrayHeader(2); err != nil {
		return err
	}
	if err := w.WriteUint64(d.Offset); err != nil {
		return err
	}
	return w.WriteUint64(d.Size)
}

func readDataDescriptor(r *msgp.Reader, d *DataDescriptor) error {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	if n < 2 {
		return errors.New("wire: short DataDescriptor array")
	}
	if d.Offset, err = r.ReadUint64(); err != nil {
		return err
	}
	if d.Size, err = r.ReadUint64(); err != nil {
		return err
	}
	for i := uint32(2); i < n; i++ {
		if err := r.Skip(); err != nil {
			return err
		}
	}
	return nil
}

func writeComponent(w *msgp.Writer, c StComponentDescriptor) error {
	if err := w.WriteArrayHeader(3); err != nil {
		return err
	}
	if err := writeDataDescriptor(w, c.Descriptor); err != nil {
		return err
	}
	if err := writeDataDescriptor(w, c.Content); err != nil {
		return err
	}
	return w.WriteBool(c.IsMissingMs)
}

func readComponent(r *msgp.Reader, c *StComponentDescriptor) error {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	if n < 3 {
		return errors.New("wire: short StComponentDescriptor array")
	}
	if err := readDataDescriptor(r, &c.Descriptor); err != nil {
		return err
	}
	if err := readDataDescriptor(r, &c.Content); err != nil {
		return err
	}
	if c.IsMissingMs, err = r.ReadBool(); err != nil {
		return err
	}
	for i := uint32(3); i < n; i++ {
		if err := r.Skip(); err != nil {
			return err
		}
	}
	return nil
}

func writeStDescriptor(w *msgp.Writer, d *StDescriptor) error {
	if err := w.WriteArrayHeader(4); err != nil {
		return err
	}
	if err := w.WriteUint64(d.StartTimeNs); err != nil {
		return err
	}
	if err := w.WriteUint64(d.DurationNs); err != nil {
		return err
	}
	if err := w.WriteBool(d.IsIncomplete); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(uint32(len(d.Components))); err != nil {
		return err
	}
	for _, c := range d.Components {
		if err := writeComponent(w, c); err != nil {
			return err
		}
	}
	return nil
}

func readStDescriptor(r *msgp.Reader, d *StDescriptor) error {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	if n < 4 {
		return errors.New("wire: short StDescriptor array")
	}
	if d.StartTimeNs, err = r.ReadUint64(); err != nil {
		return err
	}
	if d.DurationNs, err = r.ReadUint64(); err != nil {
		return err
	}
	if d.IsIncomplete, err = r.ReadBool(); err != nil {
		return err
	}
	cn, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	d.Components = make([]StComponentDescriptor, cn)
	for i := range d.Components {
		if err := readComponent(r, &d.Components[i]); err != nil {
			return err
		}
	}
	for i := uint32(4); i < n; i++ {
		if err := r.Skip(); err != nil {
			return err
		}
	}
	return nil
}

// WriteTo encodes d directly onto w, avoiding an intermediate buffer
// for the common case of writing straight into a transport frame.
func WriteTo(w io.Writer, d *StDescriptor) error {
	mw := msgp.NewWriter(w)
	if err := writeStDescriptor(mw, d); err != nil {
		return err
	}
	return mw.Flush()
}

// ReadFrom decodes a StDescriptor directly from r.
func ReadFrom(r io.Reader, d *StDescriptor) error {
	mr := msgp.NewReader(r)
	return readStDescriptor(mr, d)
}
