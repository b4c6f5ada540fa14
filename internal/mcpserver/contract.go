package mcpserver

// VaultLayoutContract describes how a kol-noter vault is laid out on disk so
// LLM consumers can read it and create notes that round-trip.
const VaultLayoutContract = `# kol-noter Vault Layout

A vault is a plain directory. Systems and projects are folders, notes are
Markdown files with YAML frontmatter.

## Structure

` + "```" + `
<vault>/
  .kol-noter/              # bookkeeping, never edit by hand
    config.json            # vault id, version, created timestamp
    id-map.json            # entity id -> path
    index.db               # SQLite index, rebuildable
    search-index.json      # search cache, rebuildable
    trash/                 # deleted notes, one JSON file each
  assets/<note-id>/        # attachments of one note
  <System Name>/
    system.meta            # YAML: id, name, tags, createdAt, updatedAt
    <Project Name>/
      project.meta         # YAML: id, name, tags, createdAt, updatedAt
      <Note Title>.md      # one note
      <Note Title>.<editor>.json  # structured content for non-markdown editors
` + "```" + `

## Note file

` + "```" + `markdown
---
id: 4c1f0a6e-...
systemId: ...
projectId: ...
title: Weekly standup
editorType: markdown
tags:
  - meeting-notes
createdAt: 1737331200000
updatedAt: 1737331200000
---
Body text in standard Markdown.

![Whiteboard](assets/4c1f0a6e-.../whiteboard.png)
` + "```" + `

## Rules

1. **Use the tools to write.** ` + "`" + `create_note` + "`" + ` stamps ids and timestamps and keeps the
   index and search cache in sync. Files dropped into a project folder are
   adopted too, but get a generated id.
2. **Timestamps** are Unix milliseconds and ` + "`" + `updatedAt` + "`" + ` is never before ` + "`" + `createdAt` + "`" + `.
3. **Folder and file names** follow the entity name. Characters that are
   not portable (` + "`" + `/ \ : * ? " < > |` + "`" + `) become ` + "`" + `-` + "`" + `; duplicates get " 2", " 3".
4. **Files starting with ` + "`" + `_` + "`" + `** are not notes and are ignored.
5. **Attachments** are uploaded with ` + "`" + `upload_attachment` + "`" + `, which returns a
   ` + "`" + `markdownImage` + "`" + ` snippet with the vault-relative path.
6. **Encoding** is UTF-8 with a trailing newline.
`
