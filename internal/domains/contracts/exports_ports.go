package contracts

import contractports "eblusha/keeper/internal/domains/contracts/ports"

type CredentialAPI = contractports.CredentialAPI
type PresenceAPI = contractports.PresenceAPI
type CallAPI = contractports.CallAPI
type NotificationAPI = contractports.NotificationAPI
type StatusAPI = contractports.StatusAPI
type KeeperService = contractports.KeeperService
type NotificationEvent = contractports.NotificationEvent
type CredentialsUpdate = contractports.CredentialsUpdate
type IncomingCall = contractports.IncomingCall
type CallSession = contractports.CallSession
type MessageNotification = contractports.MessageNotification
type ConnectionStatus = contractports.ConnectionStatus
type LockStatus = contractports.LockStatus
type KeeperStatus = contractports.KeeperStatus
