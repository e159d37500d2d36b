// Package testutil provides containers, clients and contract validation for tests.
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer is a disposable database for the job broker.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts PostgreSQL with a "dispatch" database.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	ready := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(30 * time.Second)

	c, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("dispatch"),
		postgres.WithUsername("dispatch"),
		postgres.WithPassword("dispatch"),
		testcontainers.WithWaitStrategy(ready),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	return &PostgresContainer{PostgresContainer: c, ConnectionString: dsn}, nil
}

// RedisContainer is a disposable Redis for the cache and ledger store.
type RedisContainer struct {
	*tcredis.RedisContainer
	Addr string
}

// NewRedisContainer starts Redis and resolves its host:port address.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	c, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("start redis container: %w", err)
	}

	host, ports, err := endpoint(ctx, c, "6379/tcp")
	if err != nil {
		return nil, fmt.Errorf("redis endpoint: %w", err)
	}
	return &RedisContainer{RedisContainer: c, Addr: fmt.Sprintf("%s:%d", host, ports[0])}, nil
}

// RabbitMQContainer is a disposable broker for the AMQP backend.
type RabbitMQContainer struct {
	testcontainers.Container
	URL string
}

// NewRabbitMQContainer starts RabbitMQ with the default guest account.
func NewRabbitMQContainer(ctx context.Context) (*RabbitMQContainer, error) {
	c, err := startGeneric(ctx, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Server startup complete"),
			wait.ForListeningPort("5672/tcp"),
		).WithDeadline(60 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("start rabbitmq container: %w", err)
	}

	host, ports, err := endpoint(ctx, c, "5672/tcp")
	if err != nil {
		return nil, fmt.Errorf("rabbitmq endpoint: %w", err)
	}
	return &RabbitMQContainer{
		Container: c,
		URL:       fmt.Sprintf("amqp://guest:guest@%s:%d/", host, ports[0]),
	}, nil
}

// MailpitContainer is a fake SMTP server whose inbox is readable over HTTP.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	APIURL   string
}

// NewMailpitContainer starts Mailpit with SMTP on 1025 and its API on 8025.
func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	c, err := startGeneric(ctx, testcontainers.ContainerRequest{
		Image:        "ghcr.io/axllent/mailpit:latest",
		ExposedPorts: []string{"1025/tcp", "8025/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("1025/tcp"),
			wait.ForHTTP("/api/v1/info").WithPort("8025/tcp"),
		).WithDeadline(30 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("start mailpit container: %w", err)
	}

	host, ports, err := endpoint(ctx, c, "1025/tcp", "8025/tcp")
	if err != nil {
		return nil, fmt.Errorf("mailpit endpoint: %w", err)
	}
	return &MailpitContainer{
		Container: c,
		SMTPHost:  host,
		SMTPPort:  ports[0],
		APIURL:    fmt.Sprintf("http://%s:%d", host, ports[1]),
	}, nil
}

func startGeneric(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, error) {
	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
}

// endpoint returns the container host and the mapped port of each exposed port, in order.
func endpoint(ctx context.Context, c testcontainers.Container, exposed ...string) (string, []int, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", nil, err
	}
	ports := make([]int, 0, len(exposed))
	for _, p := range exposed {
		mapped, err := c.MappedPort(ctx, nat.Port(p))
		if err != nil {
			return "", nil, fmt.Errorf("port %s: %w", p, err)
		}
		ports = append(ports, mapped.Int())
	}
	return host, ports, nil
}
