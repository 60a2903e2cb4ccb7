package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// operations into the shell via rawChan. Each subject maps to one op type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawOp
	consumers []jetstream.ConsumeContext
}

// RawOp is the received-but-untyped operation from NATS, ready for the
// shell to parse and validate before sending to the core.
type RawOp struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps a NATS subject to an op type. Each op type gets its
// own durable consumer so feeds can scale independently.
type SubjectConfig struct {
	Subject      string
	OpType       string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "cdp.prices.>", OpType: "PriceUpdate", ConsumerName: "ledger-prices", StreamName: "CDP_PRICES"},
		{Subject: "cdp.collateral.deposits.>", OpType: "CollateralDeposit", ConsumerName: "ledger-deposits", StreamName: "CDP_COLLATERAL"},
		{Subject: "cdp.collateral.withdrawals.>", OpType: "CollateralWithdrawal", ConsumerName: "ledger-withdrawals", StreamName: "CDP_COLLATERAL"},
		{Subject: "cdp.positions.adjust.>", OpType: "PositionAdjustment", ConsumerName: "ledger-adjust", StreamName: "CDP_POSITIONS"},
		{Subject: "cdp.transfers.collateral.>", OpType: "CollateralTransfer", ConsumerName: "ledger-xfer-collateral", StreamName: "CDP_TRANSFERS"},
		{Subject: "cdp.transfers.stablecoin.>", OpType: "StablecoinTransfer", ConsumerName: "ledger-xfer-stablecoin", StreamName: "CDP_TRANSFERS"},
		{Subject: "cdp.liquidations.>", OpType: "Liquidation", ConsumerName: "ledger-liquidations", StreamName: "CDP_LIQUIDATIONS"},
		{Subject: "cdp.fees.tick.>", OpType: "StabilityFeeTick", ConsumerName: "ledger-fee-ticks", StreamName: "CDP_FEES"},
		{Subject: "cdp.pools.create.>", OpType: "PoolCreate", ConsumerName: "ledger-pool-create", StreamName: "CDP_POOLS"},
		{Subject: "cdp.pools.update.>", OpType: "PoolUpdate", ConsumerName: "ledger-pool-update", StreamName: "CDP_POOLS"},
		{Subject: "cdp.pools.cage.>", OpType: "PoolCage", ConsumerName: "ledger-pool-cage", StreamName: "CDP_POOLS"},
		{Subject: "cdp.delegations.>", OpType: "DelegationUpdate", ConsumerName: "ledger-delegations", StreamName: "CDP_DELEGATIONS"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawOp) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawOp{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h; the Postgres
// operation log is the durable record, NATS only buffers.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "CDP_PRICES",
			Subjects:  []string{"cdp.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CDP_COLLATERAL",
			Subjects:  []string{"cdp.collateral.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CDP_POSITIONS",
			Subjects:  []string{"cdp.positions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CDP_TRANSFERS",
			Subjects:  []string{"cdp.transfers.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CDP_LIQUIDATIONS",
			Subjects:  []string{"cdp.liquidations.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CDP_FEES",
			Subjects:  []string{"cdp.fees.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CDP_POOLS",
			Subjects:  []string{"cdp.pools.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CDP_DELEGATIONS",
			Subjects:  []string{"cdp.delegations.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
