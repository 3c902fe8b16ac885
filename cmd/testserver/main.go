// Copyright 2021 Converter Systems LLC. All rights reserved.

package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awcullen/historian"
	"github.com/awcullen/opcua/server"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

var (
	host, _ = os.Hostname()
	port    = 46010
	dbPath  = flag.String("db", "", "path of the SQLite history database, in-memory buffers if empty")
)

func main() {
	flag.Parse()

	// create directory with certificate and key, if not found.
	if err := ensurePKI(); err != nil {
		log.Println("Error creating PKI.")
		return
	}

	// choose the history store
	var store historian.Store
	if *dbPath != "" {
		s, err := historian.NewSQLiteStore(*dbPath)
		if err != nil {
			log.Println(errors.Wrap(err, "Error opening history database"))
			return
		}
		defer s.Close()
		store = s
	} else {
		store = historian.NewMemoryStore()
	}

	// the simulator plays the role of the publish/subscribe engine, sampling a signal for
	// each historized node.
	sim := newSimulator()
	defer sim.Close()

	mgr := historian.NewHistoryManager(sim, store)

	// create server
	srv, err := server.New(
		ua.ApplicationDescription{
			ApplicationURI: fmt.Sprintf("urn:%s:historian-testserver", host),
			ProductURI:     "http://github.com/awcullen/historian",
			ApplicationName: ua.LocalizedText{
				Text:   fmt.Sprintf("historian-testserver@%s", host),
				Locale: "en",
			},
			ApplicationType:     ua.ApplicationTypeServer,
			GatewayServerURI:    "",
			DiscoveryProfileURI: "",
			DiscoveryURLs:       []string{fmt.Sprintf("opc.tcp://%s:%d", host, port)},
		},
		"./pki/server.crt",
		"./pki/server.key",
		fmt.Sprintf("opc.tcp://%s:%d", host, port),
		server.WithBuildInfo(
			ua.BuildInfo{
				ProductURI:       "http://github.com/awcullen/historian",
				ManufacturerName: "awcullen",
				ProductName:      "historian-testserver",
				SoftwareVersion:  "1.0.0",
			}),
		server.WithAnonymousIdentity(true),
		server.WithSecurityPolicyNone(true),
		server.WithInsecureSkipVerify(),
		server.WithHistorian(mgr),
	)
	if err != nil {
		log.Println(errors.Wrap(err, "Error creating server"))
		return
	}

	// historize two simulated signals, one age-capped and one count-capped, and the
	// server's event stream.
	ctx := context.Background()
	if err := mgr.Historize(ctx, ua.ParseNodeID("ns=2;s=Demo.Dynamic.Sine"), time.Hour, 0); err != nil {
		log.Println(errors.Wrap(err, "Error historizing node"))
		return
	}
	if err := mgr.Historize(ctx, ua.ParseNodeID("ns=2;s=Demo.Dynamic.Counter"), 0, 1000); err != nil {
		log.Println(errors.Wrap(err, "Error historizing node"))
		return
	}
	if err := mgr.HistorizeEvents(ctx, ua.ObjectIDServer, time.Hour); err != nil {
		log.Println(errors.Wrap(err, "Error historizing events"))
		return
	}

	go func() {
		// wait for signal (this conflicts with debugger currently)
		log.Println("Press Ctrl-C to exit...")
		waitForSignal()

		log.Println("Stopping server...")
		srv.Close()
	}()

	// open server
	log.Printf("Starting server '%s' at '%s'\n", srv.LocalDescription().ApplicationName.Text, srv.EndpointURL())
	if err := srv.ListenAndServe(); err != ua.BadServerHalted {
		log.Println(errors.Wrap(err, "Error opening server"))
	}
}

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func createNewCertificate(appName, certFile, keyFile string) error {

	// create a keypair.
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return ua.BadCertificateInvalid
	}

	// create a certificate.
	host, _ := os.Hostname()
	applicationURI, _ := url.Parse(fmt.Sprintf("urn:%s:%s", host, appName))
	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	subjectKeyHash := sha1.New()
	subjectKeyHash.Write(key.PublicKey.N.Bytes())
	subjectKeyId := subjectKeyHash.Sum(nil)

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: appName},
		SubjectKeyId:          subjectKeyId,
		AuthorityKeyId:        subjectKeyId,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{host},
		URIs:                  []*url.URL{applicationURI},
	}

	rawcrt, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return ua.BadCertificateInvalid
	}

	if f, err := os.Create(certFile); err == nil {
		block := &pem.Block{Type: "CERTIFICATE", Bytes: rawcrt}
		if err := pem.Encode(f, block); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else {
		return err
	}

	if f, err := os.Create(keyFile); err == nil {
		block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
		if err := pem.Encode(f, block); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else {
		return err
	}

	return nil
}

func ensurePKI() error {

	// check if ./pki already exists
	if _, err := os.Stat("./pki"); !os.IsNotExist(err) {
		return nil
	}

	// make a pki directory, if not exist
	if err := os.MkdirAll("./pki", os.ModeDir|0755); err != nil {
		return err
	}

	// create a server cert in ./pki/server.crt
	if err := createNewCertificate("historian-testserver", "./pki/server.crt", "./pki/server.key"); err != nil {
		return err
	}

	return nil
}
