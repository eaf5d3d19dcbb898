package common

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/inconshreveable/log15"
	"golang.org/x/net/http2"
)

// RunServer starts an http.Server in a separate goroutine and returns it so
// that it can be shut down. When proxied is false the server requires TLS
// client certificates signed by the configured certificate.
func RunServer(
	tlsConfig *TLSConfig,
	handler http.Handler,
	wg *sync.WaitGroup,
	addr string,
	proxied bool,
	log log15.Logger,
) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if proxied {
			err = server.ListenAndServe()
		} else {
			var cert []byte
			cert, err = os.ReadFile(tlsConfig.CertFile)
			if err == nil {
				certPool := x509.NewCertPool()
				certPool.AppendCertsFromPEM(cert)
				server.TLSConfig = &tls.Config{
					ClientCAs:  certPool,
					ClientAuth: tls.RequireAndVerifyClientCert,
				}
				if err = http2.ConfigureServer(server, &http2.Server{}); err == nil {
					err = server.ListenAndServeTLS(tlsConfig.CertFile, tlsConfig.KeyFile)
				}
			}
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http listen and serve", "addr", addr, "err", err)
		}
	}()

	return server
}

// AcceptsMimeType returns whether the request lists mimeType in its Accept
// header.
func AcceptsMimeType(r *http.Request, mimeType string) bool {
	for _, accepts := range r.Header["Accept"] {
		for _, mime := range strings.Split(accepts, ",") {
			if strings.TrimSpace(mime) == mimeType {
				return true
			}
		}
	}
	return false
}
