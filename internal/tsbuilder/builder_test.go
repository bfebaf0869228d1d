package tsbuilder

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbm-fles/tscpipe/internal/shm"
	"github.com/cbm-fles/tscpipe/internal/transport"
	"github.com/cbm-fles/tscpipe/internal/wire"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	plane, err := shm.NewPlane(t.TempDir())
	require.NoError(t, err)
	return New(Config{BuilderID: "b1"}, plane)
}

// fakeSender answers exactly one BUILDER_REQUEST_ST with a
// SENDER_SEND_ST carrying a single component's descriptor and content
// bytes, mirroring internal/stsender/loop.go's handleBuilderReadable
// body layout.
func fakeSender(t *testing.T, descBytes, contentBytes []byte) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		msg, err := transport.Receive(server)
		if err != nil || msg.ID != transport.AMBuilderRequestST {
			return
		}
		desc := &wire.StDescriptor{
			StartTimeNs: 0,
			DurationNs:  1,
			Components: []wire.StComponentDescriptor{{
				Descriptor: wire.DataDescriptor{Size: uint64(len(descBytes))},
				Content:    wire.DataDescriptor{Size: uint64(len(contentBytes))},
			}},
		}
		payload, err := wire.Marshal(desc)
		if err != nil {
			return
		}
		transport.Send(server, transport.Message{
			ID: transport.AMSenderSendST,
			Header: transport.SizesHeader{
				ID:          0,
				DescSize:    uint64(len(descBytes)),
				ContentSize: uint64(len(contentBytes)),
			}.Marshal(),
			Body: [][]byte{payload, descBytes, contentBytes},
		})
	}()
	return client
}

func TestRequestFromSenderParsesDescriptorAndContentBytes(t *testing.T) {
	b := newTestBuilder(t)
	conn := fakeSender(t, []byte("desc-bytes"), []byte("content-bytes-here"))
	b.senderConns["sender-a"] = &senderConn{conn: conn}

	descs, descBytes, contentBytes, err := b.requestFromSender("sender-a", 0)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, []byte("desc-bytes"), descBytes[0])
	assert.Equal(t, []byte("content-bytes-here"), contentBytes[0])
}

func TestAssembleMergesMultipleSendersIntoOneArena(t *testing.T) {
	b := newTestBuilder(t)

	var published []Item
	b.cfg.PublishItem = func(item Item) { published = append(published, item) }

	b.pendingRaw[7] = []part{
		{
			descs:        []wire.StComponentDescriptor{{Descriptor: wire.DataDescriptor{Size: 4}, Content: wire.DataDescriptor{Size: 4}}},
			descBytes:    [][]byte{[]byte("DSCA")},
			contentBytes: [][]byte{[]byte("CNTA")},
		},
		{
			descs:        []wire.StComponentDescriptor{{Descriptor: wire.DataDescriptor{Size: 4}, Content: wire.DataDescriptor{Size: 4}}},
			descBytes:    [][]byte{[]byte("DSCB")},
			contentBytes: [][]byte{[]byte("CNTB")},
		},
	}

	b.assemble(7)

	require.Len(t, published, 1)
	item := published[0]
	assert.Equal(t, uint64(7), item.ID)
	require.Len(t, item.Layout.Components, 2)

	buf := item.Arena.Bytes()
	c0, c1 := item.Layout.Components[0], item.Layout.Components[1]
	assert.Equal(t, "DSCA", string(buf[c0.Descriptor.Offset:c0.Descriptor.Offset+c0.Descriptor.Size]))
	assert.Equal(t, "CNTA", string(buf[c0.Content.Offset:c0.Content.Offset+c0.Content.Size]))
	assert.Equal(t, "DSCB", string(buf[c1.Descriptor.Offset:c1.Descriptor.Offset+c1.Descriptor.Size]))
	assert.Equal(t, "CNTB", string(buf[c1.Content.Offset:c1.Content.Offset+c1.Content.Size]))

	_, stillPending := b.pendingRaw[7]
	assert.False(t, stillPending, "assemble must clear pendingRaw once published")
}

func TestAssembleFlagsIncompleteWhenAComponentIsMissing(t *testing.T) {
	b := newTestBuilder(t)
	var published []Item
	b.cfg.PublishItem = func(item Item) { published = append(published, item) }

	b.pendingRaw[1] = []part{{
		descs:        []wire.StComponentDescriptor{{IsMissingMs: true}},
		descBytes:    [][]byte{nil},
		contentBytes: [][]byte{nil},
	}}

	b.assemble(1)

	require.Len(t, published, 1)
	assert.True(t, published[0].Layout.IsIncomplete)
	assert.True(t, published[0].Layout.Components[0].IsMissingMs)
}
