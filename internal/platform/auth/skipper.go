package auth

// publicPaths bypass authentication even when the auth middleware is
// mounted above them.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// IsPublicPath reports whether the route path is a public endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
