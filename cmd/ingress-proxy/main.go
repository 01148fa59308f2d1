package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/mdlayher/vsock"
)

var (
	vsockCID       uint32
	targetPort     uint32
	targetHost     string
	listenAddress  string
	allowedOrigins []string
)

// ingress-proxy forwards browser traffic to a gateway that only listens on a VSOCK.
func main() {
	if s := os.Getenv("VSOCK_CID"); s != "" {
		i, _ := strconv.Atoi(s)
		vsockCID = uint32(i)
	}
	if s := os.Getenv("TARGET_PORT"); s != "" {
		i, _ := strconv.Atoi(s)
		targetPort = uint32(i)
	}
	if s := os.Getenv("ALLOWED_ORIGINS"); s != "" {
		allowedOrigins = strings.Split(s, ",")
	}
	targetHost = os.Getenv("TARGET_HOST")
	listenAddress = os.Getenv("LISTEN_ADDRESS")

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network string, addr string) (net.Conn, error) {
			if vsockCID != 0 {
				return vsock.Dial(vsockCID, targetPort, &vsock.Config{})
			}

			dialer := &net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}
			return dialer.DialContext(ctx, "tcp", targetHost+":"+strconv.Itoa(int(targetPort)))
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// liveness checks hold a request for up to a minute
	client := &http.Client{Transport: transport, Timeout: 2 * time.Minute}

	log.Println("Listening on " + listenAddress)
	http.ListenAndServe(listenAddress, handler(client))
}

func handler(client *http.Client) http.Handler {
	r := chi.NewRouter()

	corsOptions := cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Traceparent"},
		ExposedHeaders: []string{"Date", "X-Gateway-Span"},
		MaxAge:         600,
	}
	if len(allowedOrigins) > 0 {
		corsOptions.AllowedOrigins = allowedOrigins
	} else {
		corsOptions.AllowOriginFunc = func(r *http.Request, origin string) bool { return true }
	}
	r.Use(cors.New(corsOptions).Handler)

	r.Handle("/*", proxy(client))

	return r
}

func proxy(httpClient *http.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		url := "http://" + r.Host + r.URL.String()
		reqBody, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		clientReq, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewBuffer(reqBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		copyHeader(clientReq.Header, r.Header)
		clientReq.Header.Set("X-Forwarded-For", clientIP(r))

		res, err := httpClient.Do(clientReq)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer res.Body.Close()

		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		io.Copy(w, res.Body)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// copyHeader copies src to dst, dropping CORS headers owned by the proxy.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if strings.HasPrefix(strings.ToLower(k), "access-control-") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
