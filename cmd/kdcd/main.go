// Command kdcd serves a Kerberos realm from a keytab over UDP and TCP,
// and optionally as an MS-KKDCP proxy over HTTPS.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kardianos/gokdc/krb5/kdc"
	"github.com/kardianos/gokdc/krb5/keytab"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krblog"
)

func main() {
	var (
		addr      = flag.String("addr", ":88", "UDP and TCP listen address")
		realmName = flag.String("realm", "", "realm served (required)")
		ktPath    = flag.String("keytab", "", "keytab holding the realm's principal keys (required)")
		proxyAddr = flag.String("proxy", "", "HTTPS listen address for the KDC proxy")
		certFile  = flag.String("cert", "", "TLS certificate for the KDC proxy")
		keyFile   = flag.String("key", "", "TLS key for the KDC proxy")
		lifetime  = flag.Duration("lifetime", 10*time.Hour, "maximum ticket lifetime")
		renew     = flag.Duration("renew", 7*24*time.Hour, "maximum renewable lifetime, 0 to disable")
		verbosity = flag.Int("v", 1, "log verbosity, 0 (errors) to 3 (trace)")
		debug     = flag.Bool("debug", false, "put internal error detail in KRB-ERROR e-text")
	)
	flag.Parse()

	log := krblog.New(os.Stderr)
	log.SetVerbosity(*verbosity)
	if *realmName == "" || *ktPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	realm := strings.ToUpper(*realmName)

	// Create context that cancels on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kt, err := keytab.Load(*ktPath)
	if err != nil {
		log.Fatalf("load keytab: %v", err)
	}
	db := kdc.NewMemoryRealm(realm, kdc.RealmSettings{
		MaxTicketLifetime: *lifetime,
		MaxRenewLifetime:  *renew,
	})
	if err := db.AddKeytab(kt); err != nil {
		log.Fatalf("keytab: %v", err)
	}
	if len(kt.ETypes(messages.TGSName(realm), realm)) == 0 {
		// Tickets issued under a generated krbtgt key die with the process.
		log.Printf(krblog.AreaKDC, "no krbtgt/%s in keytab, generating a key", realm)
		if _, err := db.AddRandomKey("krbtgt/"+realm, kdc.PrincipalTGT); err != nil {
			log.Fatalf("krbtgt: %v", err)
		}
	}

	srv, err := kdc.NewServer(kdc.ServerOptions{
		Realm:      db,
		Logger:     log,
		Debug:      *debug,
		AllowProxy: *proxyAddr != "",
	})
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	l, err := kdc.NewListener(srv, kdc.ListenerConfig{Addr: *addr})
	if err != nil {
		log.Fatalf("listener: %v", err)
	}
	if err := l.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	log.Printf(krblog.AreaKDC, "serving %s on %s", realm, l.Addr())

	if *proxyAddr != "" {
		hs := &http.Server{
			Addr:              *proxyAddr,
			Handler:           &kdc.ProxyHandler{Server: srv},
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			hs.Shutdown(sctx)
		}()
		go func() {
			log.Printf(krblog.AreaTransport, "KDC proxy on https://%s", *proxyAddr)
			err := hs.ListenAndServeTLS(*certFile, *keyFile)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf(krblog.AreaTransport, "KDC proxy: %v", err)
				cancel()
			}
		}()
	}

	// Wait for shutdown to complete
	l.Wait()
}
