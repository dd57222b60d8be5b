package keeperservice

import "eblusha/keeper/internal/domains/contracts"

var _ contracts.CredentialAPI = (*Service)(nil)
var _ contracts.PresenceAPI = (*Service)(nil)
var _ contracts.CallAPI = (*Service)(nil)
var _ contracts.NotificationAPI = (*Service)(nil)
var _ contracts.StatusAPI = (*Service)(nil)
var _ contracts.KeeperService = (*Service)(nil)
