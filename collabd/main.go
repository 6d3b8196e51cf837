package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/gorilla/mux"

	"github.com/golang/glog"

	"github.com/flowdraw/collab/collab"
)

const DefaultListen = "127.0.0.1:8080"
const DefaultRedis = "127.0.0.1:6379"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Collab coordination daemon.

Coordinates concurrent editors on shared documents: sessions, advisory
locks, ordered operation history, and cross-process event fan-out.

The default addresses are:
    listen: %s
    redis: %s

Usage:
    collabd run [--listen=<listen>] [--redis=<redis>] [--memory]
        [--jwt_secret=<jwt_secret>]
        [--authz_url=<authz_url>]
        [--default_role=<default_role>]
    collabd auth --user_id=<user_id> [--jwt_secret=<jwt_secret>]
        [--duration_minutes=<duration_minutes>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --listen=<listen>        Listen address.
    --redis=<redis>          Redis address for the shared store and broadcast.
    --memory                 In-process store and broadcast, single process only.
    --jwt_secret=<jwt_secret>    HMAC secret for identity tokens. Prompted when omitted.
    --authz_url=<authz_url>  Base url of the authorization source.
    --default_role=<default_role>    Role granted by the built-in source when no
                             authz_url is set [default: editor].
    --user_id=<user_id>      User id to mint a token for.
    --duration_minutes=<duration_minutes>    Token lifetime [default: 1440].`,
		DefaultListen,
		DefaultRedis,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	} else if auth_, _ := opts.Bool("auth"); auth_ {
		auth(opts)
	}
}

func jwtSecret(opts docopt.Opts) []byte {
	if secretAny := opts["--jwt_secret"]; secretAny != nil {
		return []byte(secretAny.(string))
	}
	fmt.Print("jwt secret: ")
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		panic(err)
	}
	return secret
}

func run(opts docopt.Opts) {
	listen := DefaultListen
	if listenAny := opts["--listen"]; listenAny != nil {
		listen = listenAny.(string)
	}

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	verifier := collab.NewHmacVerifier(jwtSecret(opts))

	var store collab.Store
	var broadcast collab.Broadcast
	if memory_, _ := opts.Bool("--memory"); memory_ {
		store = collab.NewMemoryStore()
		broadcast = collab.NewLocalBroadcast()
	} else {
		redisAddr := DefaultRedis
		if redisAny := opts["--redis"]; redisAny != nil {
			redisAddr = redisAny.(string)
		}
		storeSettings := collab.DefaultRedisStoreSettings()
		storeSettings.Addr = redisAddr
		redisStore := collab.NewRedisStore(storeSettings)
		store = redisStore
		broadcast = collab.NewRedisBroadcastWithDefaults(cancelCtx, redisStore.Client())
	}
	defer store.Close()
	defer broadcast.Close()

	var source collab.AuthorizationSource
	if authzUrlAny := opts["--authz_url"]; authzUrlAny != nil {
		source = collab.NewHttpAuthorizationSource(authzUrlAny.(string))
	} else {
		defaultRole := collab.RoleEditor
		if defaultRoleAny := opts["--default_role"]; defaultRoleAny != nil {
			defaultRole = collab.Role(defaultRoleAny.(string))
		}
		source = collab.NewStaticAuthorizationSource(defaultRole)
	}

	service := collab.NewServiceWithDefaults(cancelCtx, store, broadcast, source)
	defer service.Close()

	gateway := collab.NewConnectionGatewayWithDefaults(cancelCtx, service, verifier)
	defer gateway.Close()

	router := mux.NewRouter()
	router.Handle("/ws", gateway)
	api := collab.NewApi(service, verifier)
	api.AddRoutes(router)

	server := &http.Server{
		Addr:              listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-cancelCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Printf("listening on %s\n", listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("serve = %s\n", err)
		os.Exit(1)
	}
}

func auth(opts docopt.Opts) {
	userIdStr, _ := opts.String("--user_id")
	userId, err := collab.ParseId(userIdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad user_id: %s\n", err)
		os.Exit(1)
	}
	durationMinutes, _ := opts.Int("--duration_minutes")
	if durationMinutes <= 0 {
		durationMinutes = 24 * 60
	}

	verifier := collab.NewHmacVerifier(jwtSecret(opts))
	token, err := verifier.Mint(userId, time.Duration(durationMinutes)*time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mint = %s\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
