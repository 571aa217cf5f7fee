// Package mysql opens pooled MySQL connections and applies the embedded schema
// migrations shared by the session and dispatch stores.
package mysql
