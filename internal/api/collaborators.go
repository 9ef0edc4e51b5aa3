package api

import "context"

// UserIdentity is what a workspace-token header resolves to.
type UserIdentity struct {
	UserID   int64
	UserName string
	IsAdmin  bool
}

// UserDirectory resolves the caller's identity and dojo membership. The
// boundary between this repo and wherever accounts and dojo access
// actually live, grounded on the original's reliance on Flask-Security's
// current_user plus a dojo_accessible() helper.
type UserDirectory interface {
	ResolveToken(ctx context.Context, token string) (UserIdentity, error)
	DojoAccessible(ctx context.Context, userID int64, dojoReference string) (bool, error)
}

// ChallengeRef names one challenge, optionally scoped to a module, the
// way a dojo's yml tree does.
type ChallengeRef struct {
	DojoReference string
	ModuleID      *string
	ChallengeID   int64
}

// ChallengeDirectory answers the existence/visibility/practice-mode and
// next-challenge questions the Job API's authorization chain and the
// "next challenge" convenience endpoint need, independent of C7's richer
// ChallengeSpec resolution.
type ChallengeDirectory interface {
	Exists(ctx context.Context, ref ChallengeRef) (bool, error)
	Visible(ctx context.Context, ref ChallengeRef, practice bool) (bool, error)
	Next(ctx context.Context, ref ChallengeRef) (next ChallengeRef, found bool, err error)
	Name(ctx context.Context, ref ChallengeRef) (dojoName, moduleName, challengeName string, err error)
}
