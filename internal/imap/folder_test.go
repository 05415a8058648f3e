package imap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/testutil"
)

func TestListFolders(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	srv.CreateMailbox(t, "Archive")
	srv.CreateMailbox(t, "Trash")

	c, cleanup := srv.Connect(t)
	defer cleanup()

	t.Run("lists every mailbox", func(t *testing.T) {
		folders, err := ListFolders(c)
		require.NoError(t, err)

		names := make([]string, 0, len(folders))
		for _, f := range folders {
			names = append(names, f.Name)
		}
		assert.ElementsMatch(t, []string{"INBOX", "Archive", "Trash"}, names)
	})

	t.Run("summaries carry counts", func(t *testing.T) {
		summaries, err := ListMailboxSummaries(c)
		require.NoError(t, err)

		for _, s := range summaries {
			if s.Name == "INBOX" {
				assert.Equal(t, uint32(1), s.Messages, "memory backend seeds INBOX with one message")
				assert.Equal(t, "\\Inbox", s.SpecialUse)
			}
		}
	})

	t.Run("finds mailbox by fallback name", func(t *testing.T) {
		name, ok, err := FindSpecialUse(c, "\\Trash", "trash")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "Trash", name)

		_, ok, err = FindSpecialUse(c, "\\Junk", "Spam")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("selectable folders", func(t *testing.T) {
		names, err := SelectableFolders(c)
		require.NoError(t, err)
		assert.Contains(t, names, "INBOX")
	})

	t.Run("nil client", func(t *testing.T) {
		_, err := ListFolders(nil)
		assert.Error(t, err)
	})
}
