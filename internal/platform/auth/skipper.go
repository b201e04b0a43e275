package auth

// publicPaths bypass authentication and tenant resolution.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// IsPublicPath reports whether the route path is served without credentials.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
