package sdk

// Version is the published SDK version.
// 0.3.0: Add Client.TokenSource for golang.org/x/oauth2 interop.
// 0.2.0: Breaking - SessionClient.Bootstrap no longer returns an error; inspect IsAuthenticated.
const Version = "0.3.0"
