package destination

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/connector"
)

func TestKafkaSendBatchProducesOneMessagePerDocument(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("empty value")
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	k, err := NewKafka(producer, nil, "docs")
	require.NoError(t, err)
	require.NoError(t, k.SendBatch(context.Background(), []connector.Document{{ID: "1"}, {ID: "2", Deleted: true}}))
	require.NoError(t, k.HealthCheck(context.Background()))
	require.NoError(t, k.Close())
}

func TestKafkaSendFailureSurfaces(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k, err := NewKafka(producer, nil, "docs")
	require.NoError(t, err)
	err = k.Send(context.Background(), connector.Document{ID: "1"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "produce 1 messages")
	require.NoError(t, k.Close())
}

func TestKafkaRequiresTopic(t *testing.T) {
	_, err := NewKafka(mocks.NewSyncProducer(t, nil), nil, "")
	assert.Error(t, err)
}
