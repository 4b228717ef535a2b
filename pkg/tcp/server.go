// Package tcp implements the kvs wire protocol: a server that answers one command per connection and its client.
//
// A client connects, writes one MessagePack encoded command and reads one MessagePack encoded Response,
// after which the server closes the connection. A connection that does not deliver a decodable command
// before the read deadline gets the plain text line "Invalid kv command format".
package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/metrics"
	"github.com/ryansann/kvs/pkg/storage/encoding"
	"github.com/ryansann/kvs/pkg/storage/encoding/msgpack"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ServerOption overrides a default option
type ServerOption func(*options)

type options struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	metrics         *metrics.Metrics
}

// Addr overrides the default listen address "127.0.0.1:4000"
func Addr(a string) ServerOption {
	return func(opts *options) {
		opts.addr = a
	}
}

// ReadTimeout overrides how long a connection may take to deliver its command.
// If overriding ShutdownTimeout as well, ReadTimeout should be less than ShutdownTimeout.
// Non-positive values keep the default.
func ReadTimeout(t time.Duration) ServerOption {
	return func(opts *options) {
		if t > 0 {
			opts.readTimeout = t
		}
	}
}

// WriteTimeout overrides how long writing a response may take. Non-positive values keep the default.
func WriteTimeout(t time.Duration) ServerOption {
	return func(opts *options) {
		if t > 0 {
			opts.writeTimeout = t
		}
	}
}

// ShutdownTimeout overrides the default value for how long the server will wait for connections
// to finish being handled before Server.Serve exits. Non-positive values keep the default.
func ShutdownTimeout(t time.Duration) ServerOption {
	return func(opts *options) {
		if t > 0 {
			opts.shutdownTimeout = t
		}
	}
}

// Metrics sets the collectors the server reports commands and connections to.
func Metrics(m *metrics.Metrics) ServerOption {
	return func(opts *options) {
		opts.metrics = m
	}
}

const (
	defaultAddr            = "127.0.0.1:4000"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

var errShuttingDown = errors.New("server is shutting down")

// job is a command submitted by a connection handler to the engine worker.
type job struct {
	cmd *encoding.Operation
	res chan *Response
}

// Server is a tcp server that receives commands and executes them against an engine.
// Connections are handled concurrently, but a single worker goroutine owns the engine and
// executes commands one at a time, in the order they are submitted.
type Server struct {
	mtx      sync.Mutex
	addr     string
	log      *logrus.Logger
	metrics  *metrics.Metrics
	engine   kvs.Engine
	ln       net.Listener
	handlers sync.WaitGroup
	// inflight counts connections currently being handled
	inflight *atomic.Int64

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	work       chan *job
	close      chan struct{}
	exited     chan struct{}
	stop       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
	serving    bool
}

// NewServer returns a configured Server ready to Listen and Serve. It starts the engine worker,
// which runs until Close. The server does not close the engine.
func NewServer(log *logrus.Logger, engine kvs.Engine, opts ...ServerOption) *Server {
	cfg := &options{
		addr:            defaultAddr,
		readTimeout:     defaultReadTimeout,
		writeTimeout:    defaultWriteTimeout,
		shutdownTimeout: defaultShutdownTimeout,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		addr:            cfg.addr,
		log:             log,
		metrics:         cfg.metrics,
		engine:          engine,
		inflight:        atomic.NewInt64(0),
		readTimeout:     cfg.readTimeout,
		writeTimeout:    cfg.writeTimeout,
		shutdownTimeout: cfg.shutdownTimeout,
		work:            make(chan *job),
		close:           make(chan struct{}),
		exited:          make(chan struct{}),
		stop:            make(chan struct{}),
		workerDone:      make(chan struct{}),
	}

	go s.worker()

	return s
}

// Listen binds the server's address. It returns an error matching kvs.ErrBind if it cannot.
func (s *Server) Listen() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.ln != nil {
		return nil
	}

	select {
	case <-s.close:
		return errShuttingDown
	default:
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrBind, err), "could not listen on %s", s.addr)
	}

	s.ln = ln

	return nil
}

// Addr returns the address the server listens on, or the configured address before Listen.
func (s *Server) Addr() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.ln != nil {
		return s.ln.Addr().String()
	}

	return s.addr
}

// Serve accepts connections until Close is called, calling Listen first if needed.
// It returns once the connection handlers have exited or the shutdown timeout has passed.
func (s *Server) Serve() error {
	err := s.Listen()
	if err != nil {
		return err
	}

	s.mtx.Lock()
	select {
	case <-s.close:
		s.mtx.Unlock()
		return errShuttingDown
	default:
	}
	if s.serving {
		s.mtx.Unlock()
		return errors.New("server is already serving")
	}
	s.serving = true
	ln := s.ln
	s.mtx.Unlock()

	defer func() {
		if ok := s.wait(); ok {
			s.log.Info("connection handlers exited normally")
		} else {
			s.log.Error("timed out waiting for connection handlers to exit")
		}
		close(s.exited)
	}()

	s.log.Infof("accepting connections on %s", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.close:
				s.log.Info("closing")
				return nil
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			s.log.Errorf("error accepting connection: %v", err)
			continue
		}

		s.handlers.Add(1)
		go s.handle(ctx, c)
	}
}

// Close stops accepting connections, waits for Serve to exit and stops the engine worker.
// Every call returns once the worker has stopped.
func (s *Server) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.mtx.Lock()
		close(s.close)
		if s.ln != nil {
			err = s.ln.Close()
			if err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Errorf("error closing listener: %v", err)
			} else {
				err = nil
			}
		}
		serving := s.serving
		s.mtx.Unlock()

		// wait for server to exit (wait for handlers to finish)
		if serving {
			<-s.exited
		}

		close(s.stop)
	})

	<-s.workerDone

	return err
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	log := s.log.WithFields(logrus.Fields{
		"conn":   uuid.New().String(),
		"remote": c.RemoteAddr().String(),
	})

	done := make(chan struct{})

	defer func() {
		close(done)

		err := c.Close()
		if err != nil {
			log.Errorf("error closing connection: %v", err)
		}

		s.inflight.Dec()
		s.metrics.ConnectionClosed()
		s.handlers.Done()

		log.Debug("connection closed")
	}()

	s.inflight.Inc()
	s.metrics.ConnectionOpened()
	log.Debug("accepted connection")

	// unblock a pending read when the server shuts down
	go func() {
		select {
		case <-ctx.Done():
			c.SetReadDeadline(time.Now())
		case <-s.close:
			c.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	c.SetReadDeadline(time.Now().Add(s.readTimeout))

	cmd := &encoding.Operation{}
	_, err := msgpack.Decode(c, cmd)
	if err == nil {
		err = validate(cmd)
	}
	if err != nil {
		log.Warnf("invalid command: %v", err)
		s.metrics.InvalidCommand()

		c.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		c.Write([]byte(invalidCommand))
		return
	}

	res, err := s.submit(cmd)
	if err != nil {
		log.Errorf("could not execute %s: %v", cmd.Type, err)
		res = failure(ErrOperationError)
	}

	c.SetWriteDeadline(time.Now().Add(s.writeTimeout))

	err = msgpack.EncodeTo(c, res)
	if err != nil {
		log.Errorf("could not write response: %v", err)
		return
	}

	log.Debugf("executed command: %s %s", cmd.Type, cmd.Key)
}

// submit hands cmd to the engine worker and waits for its response.
func (s *Server) submit(cmd *encoding.Operation) (*Response, error) {
	j := &job{cmd: cmd, res: make(chan *Response, 1)}

	select {
	case s.work <- j:
	case <-s.stop:
		return nil, errShuttingDown
	}

	return <-j.res, nil
}

// worker owns the engine. It executes submitted commands one at a time until the server is closed.
func (s *Server) worker() {
	defer close(s.workerDone)

	for {
		select {
		case j := <-s.work:
			start := time.Now()

			res, result, err := execute(j.cmd, s.engine)
			if err != nil {
				s.log.Errorf("engine failed to execute %s %s: %v", j.cmd.Type, j.cmd.Key, err)
			}

			s.metrics.ObserveCommand(string(j.cmd.Type), result, time.Since(start))
			j.res <- res
		case <-s.stop:
			return
		}
	}
}

// Inflight returns the number of connections currently being handled.
func (s *Server) Inflight() int64 {
	return s.inflight.Load()
}

// wait waits for the connection handlers. If they finish before the shutdown timeout it returns true, otherwise false.
func (s *Server) wait() bool {
	c := make(chan struct{})

	go func() {
		defer close(c)
		s.handlers.Wait()
	}()

	select {
	case <-c:
		return true // completed normally
	case <-time.After(s.shutdownTimeout):
		return false // timed out
	}
}
