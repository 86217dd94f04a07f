// Package api provides the HTTP API for pagesmith.
//
//	@title			Pagesmith API
//	@version		1.0
//	@description	Webhook triggered documentation publishing.
//	@description	Pagesmith turns GitHub tag and gh-pages push events into
//	@description	published API documentation and HTML pages.
//
//	@contact.name	ethPandaOps
//	@contact.url	https://github.com/ethpandaops/pagesmith
//
//	@license.name	MIT
//	@license.url	https://github.com/ethpandaops/pagesmith/blob/main/LICENSE
//
//	@host			localhost:9090
//	@BasePath		/api/v1
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Admin token. Format: "Bearer {token}"
//
//	@tag.name			history
//	@tag.description	Job run history and completion markers
//
//	@tag.name			queue
//	@tag.description	Queue maintenance
//
//	@tag.name			system
//	@tag.description	System health and status
//
//	@tag.name			websocket
//	@tag.description	Real-time event streaming
package api
