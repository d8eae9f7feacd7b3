// Command datahubsync distributes read-only directories of tabular
// files from a single hub to a small fleet of HTTPS clients.
//
// The hub (cmd/datahub-hub) watches configured dataset directories,
// decides when a dataset has settled into a new version, packages it
// as a zip archive, and serves the archive and a JSON listing over
// HTTP. The client (cmd/datahub-client) polls the listing, downloads
// archives it is behind on, and atomically swaps them into place.
package datahubsync
