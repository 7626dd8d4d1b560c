package bus

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchange and queues the scheduler owns. Job queues
// themselves are declared by workers as {JobQueuePrefix}{jobNameInWorker}
// bound to the exchange with "{jobNameInWorker}.*".
type Topology struct {
	Exchange       string
	StatusUpdates  string
	WorkerLogs     string
	Registration   string
	Heartbeat      string
	Failed         string
	JobQueuePrefix string
}

// DefaultTopology returns the standard names.
func DefaultTopology() Topology {
	return Topology{
		Exchange:       "milvaion.jobs",
		StatusUpdates:  "milvaion.status-updates",
		WorkerLogs:     "milvaion.worker-logs",
		Registration:   "milvaion.worker-registration",
		Heartbeat:      "milvaion.worker-heartbeat",
		Failed:         "milvaion.failed-occurrences",
		JobQueuePrefix: "jobs.",
	}
}

// JobQueue returns the queue name workers consume for one job.
func (t Topology) JobQueue(jobNameInWorker string) string {
	return t.JobQueuePrefix + jobNameInWorker
}

// Declare makes the topology exist: the durable topic exchange plus the
// five scheduler queues. The four work queues dead-letter into the failed
// queue via the default exchange; the failed queue itself has no DLX.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		t.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.Exchange, err)
	}

	deadLetterArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Failed,
	}
	for _, queue := range []string{t.StatusUpdates, t.WorkerLogs, t.Registration, t.Heartbeat} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, deadLetterArgs); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}
	if _, err := ch.QueueDeclare(t.Failed, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.Failed, err)
	}
	return nil
}
