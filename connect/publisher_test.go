package connect

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPropertiesFormat(t *testing.T) {
	assert.Equal(t, PropertiesFormat(nil), "")
	assert.Equal(t, PropertiesFormat([]Row{{"b": "2", "a": "1"}}), "a=1\nb=2\n")
	assert.Equal(t, PropertiesFormat([]Row{
		{"id": "1", "name": "a"},
		{"id": "2", "name": "b"},
	}), "id=1\nname=a\n\nid=2\nname=b\n")
}

func newTestPublisher(t *testing.T) (*Publisher, *fakeTransport) {
	network := newFakeNetwork(readyHandshake)
	server := newReadyServer(t, network)

	publisher, err := server.GetPublisher("p/cq/w", map[string]string{"blocksize": "2"})
	assert.Equal(t, err, nil)
	transport := network.last(t, "publishers/p/cq/w")
	return publisher, transport
}

func TestPublisherUrl(t *testing.T) {
	_, transport := newTestPublisher(t)
	assert.Equal(t, transport.Url(), "ws://esp.local:9900/eventStreamProcessing/v1/publishers/p/cq/w?format=properties&blocksize=2")
}

func TestPublisherPublish(t *testing.T) {
	publisher, transport := newTestPublisher(t)

	// an empty batch sends nothing
	assert.Equal(t, publisher.Publish(), nil)
	assert.Equal(t, len(transport.Texts()), 0)

	publisher.Begin()
	publisher.Set("id", 1)
	publisher.Set("name", "a")
	publisher.End()
	publisher.Add(Row{"id": "2", "name": "b", "opcode": "upsert"})
	// end without begin is a no-op
	publisher.End()
	assert.Equal(t, publisher.PendingCount(), 2)

	assert.Equal(t, publisher.Publish(), nil)
	assert.Equal(t, publisher.PendingCount(), 0)
	assert.Equal(t, transport.Texts(), []string{
		"id=1\nname=a\n\nid=2\nname=b\nopcode=upsert\n",
	})
}

func TestPublisherNotReady(t *testing.T) {
	network := newFakeNetwork(readyHandshake)
	server := newTestServer(t, network)

	publisher, err := server.GetPublisher("p/cq/w", nil)
	assert.Equal(t, err, nil)
	publisher.Add(Row{"id": "1"})

	assert.Equal(t, publisher.Publish(), ErrNotReady)
	// the batch is kept for a later publish
	assert.Equal(t, publisher.PendingCount(), 1)
	assert.Equal(t, len(network.find("publishers")), 0)
}

func TestPublisherSchema(t *testing.T) {
	publisher, transport := newTestPublisher(t)
	assert.Equal(t, publisher.Schema().Size(), 0)

	transport.receiveText(idNameSchema)
	assert.Equal(t, publisher.Schema().String(), "id*:int64,name:utf8str")
}

func TestPublisherPublishCsvWaitsForSchema(t *testing.T) {
	publisher, transport := newTestPublisher(t)

	assert.Equal(t, publisher.PublishCsv("1,a\n2,b\n", nil), nil)
	assert.Equal(t, len(transport.Texts()), 0)

	transport.receiveText(idNameSchema)
	assert.Equal(t, transport.Texts(), []string{
		"id=1\nname=a\nopcode=insert\n\nid=2\nname=b\nopcode=insert\n",
	})
	assert.Equal(t, publisher.Connection().State(), Ready)
}

func TestPublisherPublishCsvOptions(t *testing.T) {
	publisher, transport := newTestPublisher(t)
	transport.receiveText(idNameSchema)

	err := publisher.PublishCsv("op,id,name\nd,1,a\n,2,b\n", &PublishCsvOptions{
		CsvOptions: CsvOptions{
			Header:  true,
			Opcodes: true,
		},
		Opcode: "upsert",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, transport.Texts(), []string{
		"id=1\nname=a\nopcode=delete\n\nid=2\nname=b\nopcode=upsert\n",
	})
}

func TestPublisherPublishCsvCloseOnComplete(t *testing.T) {
	publisher, transport := newTestPublisher(t)
	transport.receiveText(idNameSchema)

	err := publisher.PublishCsv("3,c", &PublishCsvOptions{
		CloseOnComplete: true,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(transport.Texts()), 1)
	assert.Equal(t, transport.IsClosed(), true)
	assert.Equal(t, publisher.Connection().State(), Disconnected)
}
