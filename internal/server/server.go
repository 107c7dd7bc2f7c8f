package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"sudooom.fans.relay/internal/config"
	"sudooom.fans.relay/internal/connection"
	"sudooom.fans.relay/internal/nats"
	"sudooom.fans.relay/internal/protocol"
)

// Server WebTransport 中继服务器
// 承接客户端长连接,订阅本节点的 NATS 下行主题做跨节点投递
type Server struct {
	cfg              *config.Config
	natsClient       *nats.Client
	logger           *slog.Logger
	connMgr          *connection.Manager
	handler          *protocol.Handler
	wtServer         *webtransport.Server
	heartbeatChecker *connection.HeartbeatChecker
	wg               sync.WaitGroup
}

func New(cfg *config.Config, connMgr *connection.Manager, handler *protocol.Handler, natsClient *nats.Client, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		natsClient: natsClient,
		logger:     logger,
		connMgr:    connMgr,
		handler:    handler,
	}
}

func (s *Server) Start(ctx context.Context) error {
	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        s.cfg.QUIC.MaxIdleTimeout,
		KeepAlivePeriod:       s.cfg.QUIC.KeepAlivePeriod,
		MaxIncomingStreams:    s.cfg.QUIC.MaxIncomingStreams,
		MaxIncomingUniStreams: s.cfg.QUIC.MaxIncomingUniStreams,
		Allow0RTT:             s.cfg.QUIC.Allow0RTT,
		EnableDatagrams:       true, // WebTransport 需要启用数据报支持
	}

	// 创建 WebTransport 服务器
	s.wtServer = &webtransport.Server{
		H3: http3.Server{
			Addr:       s.cfg.Server.Addr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: func(r *http.Request) bool {
			// TODO: 生产环境应该检查 Origin
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		session, err := s.wtServer.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleSession(ctx, session)
	})

	s.wtServer.H3.Handler = mux

	// 订阅 NATS 下行消息
	if err := s.subscribeDownstream(); err != nil {
		return err
	}

	// 心跳超时的连接按掉线处理
	s.heartbeatChecker = connection.NewHeartbeatChecker(
		s.connMgr,
		s.cfg.Server.HeartbeatTimeout,
		s.cfg.Server.HeartbeatCheckInterval,
		s.logger,
		func(conn *connection.Connection) {
			s.handler.OnDisconnect(ctx, conn)
		},
	)
	go s.heartbeatChecker.Start(ctx)

	s.logger.Info("WebTransport server starting",
		"addr", s.cfg.Server.Addr,
		"nodeId", s.cfg.Server.NodeID)

	return s.wtServer.ListenAndServe()
}

func (s *Server) handleSession(ctx context.Context, session *webtransport.Session) {
	defer s.wg.Done()

	c := connection.NewFromWebTransport(session, s.logger)
	s.connMgr.Add(c)
	defer func() {
		s.handler.OnDisconnect(ctx, c)
		s.connMgr.Remove(c.ID())
		c.Close()
	}()

	// 客户端在单个双向流上完成全部通信,首帧必须是认证
	stream, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}

	// 同步处理,流关闭即连接生命周期结束
	s.handler.HandleStream(ctx, c, stream)
}

func (s *Server) subscribeDownstream() error {
	subject := nats.BuildDownstreamSubject(s.getNodeID())
	if err := s.natsClient.Subscribe(subject, s.handler.HandleDownstream); err != nil {
		return err
	}

	// 广播主题
	return s.natsClient.Subscribe(nats.SubjectBroadcast, s.handler.HandleDownstream)
}

func (s *Server) getNodeID() string {
	if s.cfg.Server.NodeID != "" {
		return s.cfg.Server.NodeID
	}
	return "relay-1"
}

func (s *Server) loadTLSConfig() (*tls.Config, error) {
	if s.cfg.QUIC.CertFile != "" && s.cfg.QUIC.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.QUIC.CertFile, s.cfg.QUIC.KeyFile)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Loaded TLS certificate",
			"cert_file", s.cfg.QUIC.CertFile,
			"key_file", s.cfg.QUIC.KeyFile)
		return tlsConfigWith(cert), nil
	}

	// 开发环境：生成自签名证书
	s.logger.Warn("No TLS certificate configured, using self-signed certificate")
	return devTLSConfig()
}

// ConnManager 返回连接管理器
func (s *Server) ConnManager() *connection.Manager {
	return s.connMgr
}

func (s *Server) Shutdown() {
	if s.wtServer != nil {
		s.wtServer.Close()
	}
	s.wg.Wait()
}
