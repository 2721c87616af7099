// Package apperrors defines the error taxonomy shared by the control plane.
//
// Every core operation returns one of five kinds: PermissionDenied,
// InvalidArgument, NotFound, ExternalServiceError or StateConflict. Kinds are
// compared with errors.Is against the package sentinels or with the Is*
// helpers, and HTTPStatus maps them onto API responses.
package apperrors
