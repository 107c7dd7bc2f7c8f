package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	devCertFile = "dev_cert.pem"
	devKeyFile  = "dev_key.pem"

	// WebTransport 对自签名证书的有效期上限是 14 天,
	// 浏览器端靠 serverCertificateHashes 信任这类证书
	devCertLifetime = 10 * 24 * time.Hour
)

// tlsConfigWith 组装 WebTransport 要求的 TLS 参数
func tlsConfigWith(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h3", "webtransport"},
		MinVersion:   tls.VersionTLS13,
	}
}

// devTLSConfig 开发模式 TLS:磁盘上有证书就复用,没有就签一张短期自签名证书落盘
func devTLSConfig() (*tls.Config, error) {
	if cert, err := tls.LoadX509KeyPair(devCertFile, devKeyFile); err == nil {
		slog.Info("Loaded existing dev certificate", "cert", devCertFile)
		return tlsConfigWith(cert), nil
	}

	certPEM, keyPEM, err := issueDevCert(time.Now())
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(devCertFile, certPEM, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(devKeyFile, keyPEM, 0o600); err != nil {
		return nil, err
	}
	slog.Info("Dev certificate issued", "cert", devCertFile, "key", devKeyFile)

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return tlsConfigWith(cert), nil
}

// issueDevCert 给 localhost 签一张自签名证书,返回 PEM 编码的证书和私钥
func issueDevCert(now time.Time) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"fans-relay"},
			CommonName:   "localhost",
		},
		NotBefore:             now.Add(-time.Hour), // 容忍少量时钟偏差
		NotAfter:              now.Add(devCertLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
