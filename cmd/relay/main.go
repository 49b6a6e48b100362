package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/relay/rpc"
)

// envConfig is the flat environment-variable surface of the daemon.
type envConfig struct {
	Host string `env:"RELAY_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"RELAY_PORT" envDefault:"3000"`

	LogLevel  string `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RELAY_LOG_FORMAT" envDefault:"json"`

	AllowedOrigins []string `env:"RELAY_ALLOWED_ORIGINS" envSeparator:","`

	RateLimitEnabled  bool          `env:"RELAY_RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitMax      int           `env:"RELAY_RATE_LIMIT_MAX" envDefault:"120"`
	RateLimitInterval time.Duration `env:"RELAY_RATE_LIMIT_INTERVAL" envDefault:"60s"`

	KeepAliveInterval time.Duration `env:"RELAY_KEEPALIVE_INTERVAL" envDefault:"10s"`

	BrokerURL    string `env:"RELAY_BROKER_URL"`
	BrokerPrefix string `env:"RELAY_BROKER_PREFIX" envDefault:"relay"`

	MaxGoroutines  int     `env:"RELAY_MAX_GOROUTINES" envDefault:"0"`
	MemUsedPercent float64 `env:"RELAY_MEM_USED_PERCENT" envDefault:"0"`

	// JWTSecret enables token authentication plus the demo auth.login
	// method when non-empty.
	JWTSecret string `env:"RELAY_JWT_SECRET"`
}

func main() {
	godotenv.Load()

	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	server, err := rpc.NewServer(rpc.Config{
		Host:           ec.Host,
		Port:           ec.Port,
		LogLevel:       ec.LogLevel,
		LogFormat:      ec.LogFormat,
		AllowedOrigins: ec.AllowedOrigins,
		RateLimit: rpc.RateLimitConfig{
			Enabled:  ec.RateLimitEnabled,
			Max:      ec.RateLimitMax,
			Interval: ec.RateLimitInterval,
		},
		KeepAliveInterval:  ec.KeepAliveInterval,
		BrokerURL:          ec.BrokerURL,
		BrokerPrefix:       ec.BrokerPrefix,
		MaxGoroutines:      ec.MaxGoroutines,
		MemUsedPercent:     ec.MemUsedPercent,
		AllowedContextKeys: []string{"user"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "relay").Logger()

	if ec.JWTSecret != "" {
		installJWTAuth(server, []byte(ec.JWTSecret))
	}
	if err := registerDemo(server); err != nil {
		logger.Fatal().Err(err).Msg("Registration failed")
	}

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Startup failed")
	}
	<-server.Ready()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info().Str("signal", received.String()).Msg("Signal received, shutting down")

	if err := server.Close(); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
		os.Exit(1)
	}
}

// installJWTAuth wires HS256 bearer-token validation into the server and
// registers auth.login, which exchanges a user id for a signed token.
func installJWTAuth(server *rpc.Server, secret []byte) {
	server.SetAuth(func(ctx context.Context, token string) (map[string]any, bool) {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !parsed.Valid {
			return nil, false
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return nil, false
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			return nil, false
		}
		return map[string]any{
			"user": map[string]any{"id": sub},
		}, true
	})

	server.AddMethod("auth.login", func(ctx context.Context, c *rpc.ClientNode, params any) (any, error) {
		p, _ := params.(map[string]any)
		userID, _ := p["userId"].(string)
		if strings.TrimSpace(userID) == "" {
			return nil, rpc.Public("userId is required")
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": userID,
			"iat": time.Now().Unix(),
			"exp": time.Now().Add(24 * time.Hour).Unix(),
		})
		signed, err := token.SignedString(secret)
		if err != nil {
			return nil, err
		}
		return map[string]any{"token": signed}, nil
	}, nil)
}

// registerDemo installs a few example methods and events exercised by the
// bundled client snippets.
func registerDemo(server *rpc.Server) error {
	if err := server.AddMethod("echo", func(ctx context.Context, c *rpc.ClientNode, params any) (any, error) {
		return params, nil
	}, nil); err != nil {
		return err
	}

	if err := server.AddMethod("time.now", func(ctx context.Context, c *rpc.ClientNode, params any) (any, error) {
		return time.Now().UTC(), nil
	}, nil); err != nil {
		return err
	}

	if err := server.AddEvent("chat:message", &rpc.EventOptions{Cluster: true}); err != nil {
		return err
	}
	if err := server.AddEvent("user:notification", &rpc.EventOptions{
		Protected:  true,
		UserScoped: true,
		Cluster:    true,
	}); err != nil {
		return err
	}

	return server.AddMethod("chat.send", func(ctx context.Context, c *rpc.ClientNode, params any) (any, error) {
		p, _ := params.(map[string]any)
		text, _ := p["text"].(string)
		if text == "" {
			return nil, rpc.Public("text is required")
		}
		room, _ := p["room"].(string)
		err := server.Emit("chat:message", room, map[string]any{
			"from": c.UserID(),
			"text": text,
			"at":   time.Now().UTC(),
		})
		return err == nil, err
	}, &rpc.MethodOptions{Protected: true})
}
