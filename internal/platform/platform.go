// Package platform opens the backends named by the configuration and
// assembles the reservation engine on top of them. Every binary in cmd/
// starts here.
package platform

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/court-slot-reservations/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/court-slot-reservations/internal/adapters/mongo"
	"github.com/robertarktes/court-slot-reservations/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/court-slot-reservations/internal/adapters/redis"
	"github.com/robertarktes/court-slot-reservations/internal/adapters/wallet"
	"github.com/robertarktes/court-slot-reservations/internal/bookings"
	"github.com/robertarktes/court-slot-reservations/internal/config"
	"github.com/robertarktes/court-slot-reservations/internal/courts"
	"github.com/robertarktes/court-slot-reservations/internal/fanout"
	"github.com/robertarktes/court-slot-reservations/internal/ledger"
	"github.com/robertarktes/court-slot-reservations/internal/locktable"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
	"github.com/robertarktes/court-slot-reservations/internal/refund"
	"github.com/robertarktes/court-slot-reservations/internal/reservation"
)

type Platform struct {
	Cfg    *config.Config
	Logger observability.Logger

	Redis  *redis.Client
	Repo   *crdb.Repository
	Mongo  *mongo.Database
	Rabbit *amqp.Connection

	Hub    *fanout.Hub
	Engine *reservation.Engine
	// Checks feed the readiness endpoint.
	Checks map[string]func(ctx context.Context) error

	relay    *rabbit.EventRelay
	consumer *rabbit.Consumer
	closers  []func()
}

// Open connects every configured backend. On error, whatever was opened is closed again.
func Open(ctx context.Context, cfg *config.Config, logger observability.Logger) (*Platform, error) {
	p := &Platform{
		Cfg:    cfg,
		Logger: logger,
		Hub:    fanout.NewHub(cfg.FanoutBuffer, logger),
		Checks: make(map[string]func(ctx context.Context) error),
	}
	p.closers = append(p.closers, p.Hub.Close)
	opened := false
	defer func() {
		if !opened {
			p.Close()
		}
	}()

	if cfg.RedisAddr != "" {
		p.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		p.closers = append(p.closers, func() { p.Redis.Close() })
		if err := p.Redis.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, "connect redis")
		}
		cache := redisadapter.NewCache(p.Redis)
		p.Checks["redis"] = cache.Ping
	}

	var locks locktable.Store = locktable.NewMemoryStore()
	if cfg.LockBackend == config.BackendRedis {
		locks = redisadapter.NewLockStore(p.Redis)
	}

	var (
		store  bookings.Store = bookings.NewMemoryStore()
		booked ledger.Store   = ledger.NewMemoryStore()
	)
	if cfg.StoreBackend == config.BackendCRDB {
		if err := crdb.Migrate(cfg.CRDBDSN); err != nil {
			return nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect crdb")
		}
		p.closers = append(p.closers, pool.Close)
		p.Repo = crdb.NewRepository(pool)
		p.Checks["crdb"] = p.Repo.Ping
		store = crdb.NewBookingStore(p.Repo)
		booked = crdb.NewLedger(p.Repo)
	}

	catalog, auditor, err := p.openCatalog(ctx)
	if err != nil {
		return nil, err
	}

	policy := refund.DefaultPolicy()
	if cfg.RefundPolicyFile != "" {
		policy, err = refund.LoadPolicy(cfg.RefundPolicyFile)
		if err != nil {
			return nil, err
		}
	}

	var events fanout.Publisher = p.Hub
	var notifier reservation.Notifier
	if cfg.RabbitURL != "" {
		events, notifier, err = p.openRabbit()
		if err != nil {
			return nil, err
		}
	}

	var credit reservation.Wallet
	if cfg.WalletURL != "" {
		credit = wallet.NewClient(cfg.WalletURL, logger)
	} else {
		logger.Warn("WALLET_URL not set, refunds are computed but not credited")
	}

	p.Engine = reservation.New(reservation.Deps{
		Locks:    locks,
		Ledger:   booked,
		Bookings: store,
		Courts:   catalog,
		Refunds:  refund.NewEngine(policy),
		Events:   events,
		Wallet:   credit,
		Notifier: notifier,
		Auditor:  auditor,
		Logger:   logger,
	}, reservation.Options{
		HoldTTL:              cfg.HoldTTL,
		PaymentWindow:        cfg.PaymentWindow,
		Location:             cfg.Location,
		StoreRetryMaxElapsed: cfg.StoreRetryMax,
	})
	opened = true
	return p, nil
}

func (p *Platform) openCatalog(ctx context.Context) (courts.Catalog, reservation.Auditor, error) {
	if p.Cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(p.Cfg.MongoURI))
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect mongo")
		}
		p.closers = append(p.closers, func() { client.Disconnect(context.Background()) })
		p.Mongo = client.Database(p.Cfg.MongoDB)
		p.Checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		return mongoadapter.NewCourtCatalog(p.Mongo, p.Logger), mongoadapter.NewAuditLogger(p.Mongo, p.Logger), nil
	}
	if p.Cfg.CourtsFile == "" {
		return nil, nil, errors.New("either MONGO_URI or COURTS_FILE must be set")
	}
	catalog, err := courts.LoadStatic(p.Cfg.CourtsFile)
	if err != nil {
		return nil, nil, err
	}
	return catalog, nil, nil
}

func (p *Platform) openRabbit() (fanout.Publisher, reservation.Notifier, error) {
	conn, err := amqp.Dial(p.Cfg.RabbitURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect rabbitmq")
	}
	p.Rabbit = conn
	p.closers = append(p.closers, func() { conn.Close() })

	pub, err := rabbit.NewPublisher(conn, rabbit.EventsExchange)
	if err != nil {
		return nil, nil, err
	}
	notifier := rabbit.NewNotifier(pub)
	if !p.Cfg.RelayEvents {
		return p.Hub, notifier, nil
	}

	slots, err := rabbit.NewPublisher(conn, rabbit.SlotsExchange)
	if err != nil {
		return nil, nil, err
	}
	p.consumer, err = rabbit.NewConsumer(conn, rabbit.SlotsExchange, "")
	if err != nil {
		return nil, nil, err
	}
	p.relay = rabbit.NewEventRelay(slots, p.Cfg.InstanceID, p.Cfg.FanoutBuffer*16, p.Logger)
	return fanout.Tee{p.Hub, p.relay}, notifier, nil
}

// Go starts the cross-instance relay, if configured, on g.
func (p *Platform) Go(ctx context.Context, g *errgroup.Group) error {
	if p.relay == nil {
		return nil
	}
	deliveries, err := p.consumer.Consume(ctx)
	if err != nil {
		return err
	}
	g.Go(func() error { return p.relay.Run(ctx) })
	g.Go(func() error {
		rabbit.Bridge(ctx, deliveries, p.Hub, p.Cfg.InstanceID, p.Logger)
		return nil
	})
	return nil
}

// Close releases backends in reverse order of opening.
func (p *Platform) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

// ShutdownTimeout bounds graceful shutdown of servers and sweepers.
const ShutdownTimeout = 10 * time.Second
