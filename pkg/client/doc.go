// Package client is the CloakGate Go SDK for the tenant API.
//
// # Connecting
//
// Tenants authenticate with a bearer token issued by the platform's auth
// service:
//
//	c, err := client.New("https://api.cloakgate.example",
//	    client.WithBearerToken(os.Getenv("CLOAKGATE_TOKEN")),
//	)
//
// # Attaching a domain
//
// CreateDomain runs the first reconciliation pass before it returns, so the
// result already tells you what the customer must publish:
//
//	d, err := c.CreateDomain(ctx, client.CreateDomainRequest{
//	    Hostname:         "promo.example.com",
//	    WhiteDestination: "https://safe.example.org",
//	    BlackDestination: "https://offer.example.net/lp",
//	})
//	fmt.Println("CNAME", d.Hostname, "->", d.InternalTarget)
//
// # Tracking progress
//
// CheckStatus reconciles again and reports any DNS challenge the
// certificate provider is waiting for:
//
//	rep, _ := c.CheckStatus(ctx, d.ID)
//	if rep.Challenge != nil {
//	    fmt.Println("TXT", rep.Challenge.Name, rep.Challenge.Value)
//	}
//
// A FAILED certificate stays failed until RetryProvisioning is called.
//
// # Edge lookups
//
// Resolve is the lookup the edge performs per host. It requires the edge key
// when the server has one configured; add WithCacheTTL to avoid repeated
// lookups:
//
//	edge, _ := client.New(apiURL,
//	    client.WithEdgeKey(key),
//	    client.WithCacheTTL(30*time.Second),
//	)
//	res, err := edge.Resolve(ctx, "promo.example.com")
package client
