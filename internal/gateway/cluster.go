package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ondevice-gateway/internal/variant"
)

type member struct {
	server *Server
	listen Listen
}

// Cluster hosts a set of variants in one process. Members are independent:
// they share nothing but the engine and talk to each other over loopback.
type Cluster struct {
	members []member
	logger  *zap.Logger
}

// NewCluster creates one Server per variant, bound to d.Host and the
// variant's port in d.Ports. Members share d.ForwardToken, generated when
// empty.
func NewCluster(variants []variant.Variant, d Deps, t Timeouts) (*Cluster, error) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.ForwardToken == "" {
		d.ForwardToken = uuid.NewString()
	}
	c := &Cluster{logger: d.Logger}

	seen := make(map[variant.Variant]bool, len(variants))
	for _, v := range variants {
		if seen[v] {
			return nil, fmt.Errorf("gateway: variant %s listed twice", v)
		}
		seen[v] = true

		port, ok := d.Ports[v]
		if !ok {
			return nil, fmt.Errorf("gateway: no port configured for %s", v)
		}
		c.members = append(c.members, member{
			server: NewServer(v, NewHandler(v, d), d.Logger, t),
			listen: Listen{Host: d.Host, Port: port},
		})
	}
	return c, nil
}

// Start binds every member. If any bind fails the members that did start are
// stopped again and the joined errors are returned.
func (c *Cluster) Start(ctx context.Context) error {
	errs := make([]error, len(c.members))

	var g errgroup.Group
	for i, m := range c.members {
		i, m := i, m
		g.Go(func() error {
			errs[i] = m.server.Start(ctx, m.listen)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		if stopErr := c.Stop(ctx); stopErr != nil {
			c.logger.Warn("cluster_rollback_failed", zap.Error(stopErr))
		}
		return err
	}
	return nil
}

// Stop shuts every member down concurrently.
func (c *Cluster) Stop(ctx context.Context) error {
	errs := make([]error, len(c.members))

	var g errgroup.Group
	for i, m := range c.members {
		i, m := i, m
		g.Go(func() error {
			errs[i] = m.server.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Server returns the member serving v, or nil.
func (c *Cluster) Server(v variant.Variant) *Server {
	for _, m := range c.members {
		if m.server.Variant() == v {
			return m.server
		}
	}
	return nil
}

func (c *Cluster) Servers() []*Server {
	out := make([]*Server, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.server)
	}
	return out
}
