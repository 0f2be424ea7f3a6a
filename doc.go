// Package oauth implements an OAuth 2.0 authorization server speaking the
// authorization-code grant with mandatory PKCE (S256) and rotating refresh
// tokens. Access tokens are opaque AES-256-GCM-sealed payloads; refresh
// tokens are single-use and revoking one cascades to its paired access token.
//
// The package is organized as a library: this root package is the HTTP edge,
// server holds the protocol core, storage defines the store abstraction with
// in-memory and Valkey implementations, and directory resolves user IDs.
//
// Minimal setup:
//
//	store := memory.New()
//	defer store.Stop()
//
//	key, _ := security.GenerateKey()
//	srv, err := server.New(store, &server.Config{
//		Issuer:             "https://auth.example.com",
//		TokenEncryptionKey: key,
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	users := directory.NewStatic(&directory.User{ID: "user-1", Email: "a@example.com"})
//	handler := oauth.NewHandler(srv, users, logger)
//	http.ListenAndServe(":8080", handler.Routes())
package oauth
