package integration

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/mediqueue/mediqueue/internal/platform/db"
)

const (
	postgresImage    = "postgres:16-alpine"
	postgresDatabase = "mediqueue"
	postgresUser     = "mediqueue"
	postgresPassword = "mediqueue"
	containerLabel   = "mediqueue.integration=true"
)

// postgresContainer is a disposable database for one test run. The data
// directory lives on tmpfs, so nothing survives stop.
type postgresContainer struct {
	name string
	port int
	id   string
}

func (c *postgresContainer) connString() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		postgresUser, postgresPassword, c.port, postgresDatabase)
}

func (c *postgresContainer) start(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "docker", "run", "-d",
		"--name", c.name,
		"--label", containerLabel,
		"--tmpfs", "/var/lib/postgresql/data",
		"-p", fmt.Sprintf("127.0.0.1:%d:5432", c.port),
		"-e", "POSTGRES_USER="+postgresUser,
		"-e", "POSTGRES_PASSWORD="+postgresPassword,
		"-e", "POSTGRES_DB="+postgresDatabase,
		postgresImage,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker run %s: %w: %s", c.name, err, strings.TrimSpace(string(out)))
	}
	c.id = strings.TrimSpace(string(out))
	return nil
}

func (c *postgresContainer) stop() {
	target := c.id
	if target == "" {
		target = c.name
	}
	exec.Command("docker", "rm", "-f", "-v", target).Run()
}

// waitReady polls until the server accepts a pool built the way the server
// builds it and the migrations' target database answers queries.
func (c *postgresContainer) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		attempt, done := context.WithTimeout(ctx, 2*time.Second)
		pool, err := db.NewPool(attempt, c.connString(), db.MinPoolConns, 0)
		if err == nil {
			var dbName string
			err = pool.QueryRow(attempt, `SELECT current_database()`).Scan(&dbName)
			pool.Close()
			if err == nil && dbName != postgresDatabase {
				err = fmt.Errorf("connected to %q", dbName)
			}
		}
		done()
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v: %w", timeout, lastErr)
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// startPostgresContainer runs a fresh mediqueue database and returns its
// connection string and a cleanup function.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	port, err := freeLocalPort()
	if err != nil {
		return "", nil, fmt.Errorf("find free port: %w", err)
	}

	c := &postgresContainer{name: fmt.Sprintf("mediqueue-it-%d", port), port: port}
	c.stop()
	if err := c.start(ctx); err != nil {
		return "", nil, err
	}
	if err := c.waitReady(ctx, 30*time.Second); err != nil {
		c.stop()
		return "", nil, err
	}
	return c.connString(), c.stop, nil
}

func freeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
