package chat

import "errors"

var (
	ErrNotLive             = errors.New("chat: no live conversation")
	ErrDisposed            = errors.New("chat: controller disposed")
	ErrEmptyMessage        = errors.New("chat: empty message")
	ErrEmptyReaction       = errors.New("chat: empty reaction")
	ErrBlocked             = errors.New("chat: recipient has blocked you")
	ErrNotAuthor           = errors.New("chat: only the author can delete a message")
	ErrUnknownMessage      = errors.New("chat: message not in conversation")
	ErrUnknownConversation = errors.New("chat: conversation not found")
	ErrUnknownUser         = errors.New("chat: user not found")
	ErrInvalidNickname     = errors.New("chat: nickname must not be empty")
	ErrInvalidValue        = errors.New("chat: value must not be empty")
	ErrNotParticipant      = errors.New("chat: not a participant")
	ErrNoUploader          = errors.New("chat: uploads are not configured")
	ErrSelfConversation    = errors.New("chat: cannot start a conversation with yourself")
)

// Тексты уведомлений пользователю.
const (
	noticeSendFailed   = "Message was not sent. Try again."
	noticeBlocked      = "You can't reply to this conversation."
	noticeUploadFailed = "Upload failed."
	noticeWriteFailed  = "Something went wrong. Try again."
	noticeNotAuthor    = "You can only delete your own messages."
)
