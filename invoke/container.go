package invoke

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/buildpack/fnpack/sys"
)

const emulatorPort = "8080/tcp"

// Container runs an image locally with docker for the duration of one
// invocation.
type Container struct {
	Docker  string
	Env     map[string]string
	Timeout time.Duration
	Logger  log.FieldLogger
}

func (c *Container) docker() string {
	if c.Docker == "" {
		return "docker"
	}
	return c.Docker
}

func (c *Container) logger() log.FieldLogger {
	if c.Logger == nil {
		return log.StandardLogger()
	}
	return c.Logger
}

func (c *Container) Invoke(ctx context.Context, ref string, event []byte) ([]byte, error) {
	name := "fnpack-invoke-" + uuid.NewString()[:8]
	logger := c.logger().WithField("container", name)

	args := []string{"run", "-d", "--rm", "--name", name, "-p", "127.0.0.1::8080"}
	var keys []string
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+c.Env[k])
	}
	args = append(args, ref)
	if _, err := sys.Run(ctx, c.docker(), args...); err != nil {
		return nil, sys.Fail(err, "start", ref)
	}
	defer func() {
		if _, err := sys.Run(context.Background(), c.docker(), "rm", "-f", name); err != nil {
			logger.WithError(err).Warn("Removing container")
		}
	}()

	out, err := sys.Run(ctx, c.docker(), "port", name, emulatorPort)
	if err != nil {
		return nil, sys.Fail(err, "find port of", name)
	}
	addr := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	logger.Debugf("Emulator listening on %s", addr)

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if err := waitForPort(ctx, addr, timeout); err != nil {
		return nil, err
	}
	client := &Client{Endpoint: "http://" + addr}
	return client.Invoke(ctx, event)
}

func waitForPort(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("emulator at %s not ready: %w", addr, err)
		case <-time.After(100 * time.Millisecond):
		}
	}
}
