package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	retryHeader = "x-report-attempt"

	// MaxAttempts bounds redelivery through the retry queue; after that the
	// job is rejected into the DLQ.
	MaxAttempts = 3
)

type ReportJob struct {
	ReportID  string `json:"report_id"`
	SessionID string `json:"session_id"`
}

// DecodeReportJob parses a delivery body. Jobs missing either id are invalid.
func DecodeReportJob(body []byte) (ReportJob, error) {
	var j ReportJob
	if err := json.Unmarshal(body, &j); err != nil {
		return j, err
	}
	if j.ReportID == "" || j.SessionID == "" {
		return j, errors.New("report job missing report_id or session_id")
	}
	return j, nil
}

func RetryQueue(queue string) string { return queue + ".retry" }
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// DeclareTopology declares the main queue with its retry and dead-letter
// queues. Publisher and worker both call it so the arguments always agree.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := RetryQueue(queue)
	dlqQ := DeadLetterQueue(queue)

	// DLQ
	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return err
	}

	// Retry queue: per-message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": mainQ,
	}); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(mainQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	})
	return err
}

// Attempt reads how many times a delivery has been tried before.
func Attempt(d amqp.Delivery) int {
	switch v := d.Headers[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// RetryDelay is the backoff before the given retry attempt (1-based).
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<(attempt-1)) * 5 * time.Second
}

// Retry republishes d to the retry queue with an incremented attempt count.
// It reports false once MaxAttempts is reached; the caller should then
// reject the delivery so it lands in the DLQ.
func Retry(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery) (bool, error) {
	next := Attempt(d) + 1
	if next >= MaxAttempts {
		return false, nil
	}
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(next)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := ch.PublishWithContext(cctx, "", RetryQueue(queue), false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
		Expiration:   strconv.FormatInt(RetryDelay(next).Milliseconds(), 10),
		Timestamp:    time.Now(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
