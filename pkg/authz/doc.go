// Package authz answers "what may identity X do in organization or project
// Y" and mutates roles.
//
// # Roles
//
// OrgRole and ProjectRole are independent enumerations. Capabilities are a
// static table per role, never computed from ordinals. A ProjectAuthorization
// always references the OrganizationAuthorization it was derived from; the
// organization row is created with role NOT_SET when missing.
//
// # Mutations
//
// Role changes, revocations, and invites lock the organization row for the
// whole transaction. Sibling services learn about a change only after the
// transaction commits, through provisioning.Notifier.
//
// # Invites
//
// Inviting an email without an identity stores a pending invite. The
// identity service calls ConsumeInvites from its creation hook:
//
//	authzSvc := authz.NewPostgresService(db, notifier, metrics, logger)
//	identSvc := identity.NewPostgresService(db, logger, authzSvc.ConsumeInvites)
package authz
